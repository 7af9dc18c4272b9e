package vpn

import "errors"

// Виды ошибок движка. Python-первоисточник прятал все за None,
// здесь наружу отдаются различимые ошибки.
var (
	ErrNotFound     = errors.New("client not found")
	ErrUnreachable  = errors.New("server unreachable")
	ErrRemoteFault  = errors.New("remote panel fault")
	ErrInvalidInput = errors.New("invalid input")
)
