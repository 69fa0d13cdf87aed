package models

import (
	"errors"
)

var ErrValidation = errors.New("validation error")
