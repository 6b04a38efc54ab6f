package service

import (
	"errors"

	"github.com/dtroode/custodian/internal/model"
)

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
