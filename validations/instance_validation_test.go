package validations

import (
	"context"
	"testing"

	domainInstance "github.com/AzielCF/az-bridge/domains/instance"
	pkgError "github.com/AzielCF/az-bridge/pkg/error"
	"github.com/stretchr/testify/assert"
)

func validUpsert() domainInstance.UpsertRequest {
	return domainInstance.UpsertRequest{
		ID:     "1101000001",
		Name:   "Shop",
		APIURL: "https://api.green-api.com",
		Token:  "d75b3a66374942c5b3c019c698abc2067e151558acbd412345",
	}
}

func TestValidateUpsertInstance(t *testing.T) {
	type args struct {
		mutate func(r *domainInstance.UpsertRequest)
	}
	tests := []struct {
		name string
		args args
		err  bool
	}{
		{name: "valid", args: args{mutate: func(r *domainInstance.UpsertRequest) {}}},
		{name: "missing id", args: args{mutate: func(r *domainInstance.UpsertRequest) { r.ID = "" }}, err: true},
		{name: "non numeric id", args: args{mutate: func(r *domainInstance.UpsertRequest) { r.ID = "abc123" }}, err: true},
		{name: "bad api url", args: args{mutate: func(r *domainInstance.UpsertRequest) { r.APIURL = "api.green-api.com" }}, err: true},
		{name: "bad media url", args: args{mutate: func(r *domainInstance.UpsertRequest) { r.MediaURL = "ftp://media" }}, err: true},
		{name: "missing token", args: args{mutate: func(r *domainInstance.UpsertRequest) { r.Token = "" }}, err: true},
		{name: "auto reply without text", args: args{mutate: func(r *domainInstance.UpsertRequest) { r.AutoReplyEnabled = true }}, err: true},
		{name: "auto reply with text", args: args{mutate: func(r *domainInstance.UpsertRequest) {
			r.AutoReplyEnabled = true
			r.AutoReplyText = "We are closed"
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validUpsert()
			tt.args.mutate(&req)
			err := ValidateUpsertInstance(context.Background(), req)
			if !tt.err {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.IsType(t, pkgError.ValidationError(""), err)
		})
	}
}

func TestValidateAuthCode(t *testing.T) {
	assert.NoError(t, ValidateAuthCode(context.Background(), domainInstance.AuthCodeRequest{UserID: "u1", ChatID: 42, Code: "123456"}))
	assert.Error(t, ValidateAuthCode(context.Background(), domainInstance.AuthCodeRequest{UserID: "u1", Code: "123456"}))
	assert.Error(t, ValidateAuthCode(context.Background(), domainInstance.AuthCodeRequest{UserID: "u1", ChatID: 42, Code: "1"}))
}
