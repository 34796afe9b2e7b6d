package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loginRequest struct {
	Username string   `json:"username" validate:"required,min=3,max=16"`
	Password string   `json:"password" validate:"required"`
	Email    string   `json:"email" validate:"email"`
	Mode     string   `json:"mode" validate:"oneof=http mqtt"`
	Limit    int      `json:"limit" validate:"min=0,max=100"`
	Tags     []string `json:"tags" validate:"max=2"`
}

func TestValidate(t *testing.T) {
	v := NewValidator()
	valid := loginRequest{Username: "admin", Password: "secret"}

	tests := []struct {
		name    string
		mutate  func(r *loginRequest)
		wantErr string
	}{
		{"valid", func(r *loginRequest) {}, ""},
		{"missing username", func(r *loginRequest) { r.Username = "" }, "username: field is required"},
		{"short username", func(r *loginRequest) { r.Username = "ab" }, "username: minimum length is 3"},
		{"long username", func(r *loginRequest) { r.Username = "abcdefghijklmnopq" }, "username: maximum length is 16"},
		{"bad email", func(r *loginRequest) { r.Email = "nobody" }, "email: invalid email format"},
		{"good email", func(r *loginRequest) { r.Email = "a@b.io" }, ""},
		{"bad mode", func(r *loginRequest) { r.Mode = "ftp" }, "mode: must be one of http, mqtt"},
		{"good mode", func(r *loginRequest) { r.Mode = "mqtt" }, ""},
		{"negative limit", func(r *loginRequest) { r.Limit = -1 }, "limit: minimum value is 0"},
		{"large limit", func(r *loginRequest) { r.Limit = 101 }, "limit: maximum value is 100"},
		{"too many tags", func(r *loginRequest) { r.Tags = []string{"a", "b", "c"} }, "tags: maximum length is 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := v.Validate(&req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestValidateRejectsNonStruct(t *testing.T) {
	assert.Error(t, NewValidator().Validate("admin"))
}

func TestValidateUnknownRule(t *testing.T) {
	req := struct {
		Name string `validate:"uppercase"`
	}{Name: "x"}
	assert.ErrorContains(t, NewValidator().Validate(req), "unknown validation rule")
}
