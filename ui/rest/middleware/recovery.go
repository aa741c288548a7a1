package middleware

import (
	"errors"
	"fmt"

	pkgError "github.com/AzielCF/az-bridge/pkg/error"
	"github.com/AzielCF/az-bridge/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func Recovery() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		defer func() {
			err := recover()
			if err != nil {
				var res utils.ResponseData
				res.Status = 500
				res.Code = "INTERNAL_SERVER_ERROR"
				res.Message = fmt.Sprintf("%v", err)

				errValidation, isValidationError := err.(pkgError.GenericError)
				if isValidationError {
					res.Status = errValidation.StatusCode()
					res.Code = errValidation.ErrCode()
					res.Message = errValidation.Error()
				} else {
					logrus.Errorf("Panic recovered in middleware: %v", err)
				}

				_ = ctx.Status(res.Status).JSON(res)
			}
		}()

		return ctx.Next()
	}
}

// ErrorHandler renders errors returned by handlers with the same envelope
// the recovery middleware uses.
func ErrorHandler(ctx *fiber.Ctx, err error) error {
	res := utils.ResponseData{
		Status:  fiber.StatusInternalServerError,
		Code:    "INTERNAL_SERVER_ERROR",
		Message: err.Error(),
	}

	var generic pkgError.GenericError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &generic):
		res.Status = generic.StatusCode()
		res.Code = generic.ErrCode()
		res.Message = generic.Error()
	case errors.As(err, &fiberErr):
		res.Status = fiberErr.Code
		res.Code = utils.StatusCode(fiberErr.Code)
	default:
		logrus.WithError(err).WithField("path", ctx.Path()).Error("[REST] Unhandled error")
	}

	return ctx.Status(res.Status).JSON(res)
}
