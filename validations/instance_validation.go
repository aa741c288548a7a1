package validations

import (
	"context"
	"regexp"

	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	pkgError "github.com/AzielCF/az-bridge/pkg/error"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	instanceIDPattern = regexp.MustCompile(`^[0-9]{4,20}$`)
	httpURLPattern    = regexp.MustCompile(`^https?://[^\s/]+`)
)

func ValidateUpsertInstance(ctx context.Context, request domainInstance.UpsertRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.ID, validation.Required, validation.Match(instanceIDPattern).Error("must be the numeric instance id")),
		validation.Field(&request.Name, validation.Length(0, 100)),
		validation.Field(&request.APIURL, validation.Required, validation.Match(httpURLPattern).Error("must be an http(s) url")),
		validation.Field(&request.MediaURL, validation.Match(httpURLPattern).Error("must be an http(s) url")),
		validation.Field(&request.Token, validation.Required, validation.Length(8, 200)),
		validation.Field(&request.AutoReplyText,
			validation.When(request.AutoReplyEnabled, validation.Required.Error("is required when auto reply is enabled")),
			validation.Length(0, 4000),
		),
	)

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}

func ValidateAuthCode(ctx context.Context, request domainInstance.AuthCodeRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.UserID, validation.Required),
		validation.Field(&request.ChatID, validation.Required),
		validation.Field(&request.Code, validation.Required, validation.Length(4, 12)),
	)

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}
