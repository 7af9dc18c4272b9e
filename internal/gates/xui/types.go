package xui

import "encoding/json"

// Client - клиентская запись в настройках inbound-а панели 3x-ui
type Client struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	Flow       string `json:"flow,omitempty"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	SubID      string `json:"subId,omitempty"`
}

// ClientTraffic - статистика трафика клиента, ключ - поле email
type ClientTraffic struct {
	ID         int    `json:"id"`
	InboundID  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiryTime"`
}

type StreamSettings struct {
	Network  string `json:"network"`
	Security string `json:"security"`
}

type InboundSettings struct {
	Clients []Client `json:"clients"`
}

// Inbound - настроенный слушатель панели. Поля settings и streamSettings
// приходят от панели как вложенные JSON-строки и разбираются отдельно.
type Inbound struct {
	ID             int    `json:"id"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       InboundSettings
	StreamSettings StreamSettings
}

type rawInbound struct {
	ID             int    `json:"id"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
}

func (ri rawInbound) decode() (Inbound, error) {
	inbound := Inbound{
		ID:       ri.ID,
		Port:     ri.Port,
		Protocol: ri.Protocol,
	}

	if ri.Settings != "" {
		if err := json.Unmarshal([]byte(ri.Settings), &inbound.Settings); err != nil {
			return inbound, err
		}
	}
	if ri.StreamSettings != "" {
		if err := json.Unmarshal([]byte(ri.StreamSettings), &inbound.StreamSettings); err != nil {
			return inbound, err
		}
	}
	return inbound, nil
}

// apiResponse - общий конверт ответов панели
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}
