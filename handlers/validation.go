package handlers

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var registerOnce sync.Once

// RegisterValidators adds the "ethaddr" rule to gin's binding validator.
func RegisterValidators() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("ethaddr", func(fl validator.FieldLevel) bool {
				return common.IsHexAddress(fl.Field().String())
			})
		}
	})
}
