package models

import "errors"

var (
	errInvalidQuantity      = errors.New("models: order intent quantity must be positive")
	errCloseTypeRequiresSell = errors.New("models: close type other than NONE requires side SELL")
	errEmptySymbol           = errors.New("models: symbol must not be empty")
)
