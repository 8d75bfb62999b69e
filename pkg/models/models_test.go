package models_test

import (
	"testing"

	"github.com/nce-project/nce/pkg/models"
	"github.com/stretchr/testify/assert"
)

func validRequest() models.ExecRequest {
	return models.ExecRequest{
		DeviceAddress: "192.0.2.1",
		Username:      "netops",
		Password:      "secret",
		EquipmentType: "cisco_ios",
		Commands:      []string{"hostname edge-1"},
	}
}

func TestExecRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.ExecRequest)
		wantErr bool
	}{
		{"valid", func(r *models.ExecRequest) {}, false},
		{"key auth instead of password", func(r *models.ExecRequest) {
			r.Password = ""
			r.KeyPath = "/etc/nce/id_ed25519"
		}, false},
		{"missing address", func(r *models.ExecRequest) { r.DeviceAddress = "" }, true},
		{"missing username", func(r *models.ExecRequest) { r.Username = "" }, true},
		{"no credentials at all", func(r *models.ExecRequest) { r.Password = "" }, true},
		{"no commands", func(r *models.ExecRequest) { r.Commands = nil }, true},
		{"empty command", func(r *models.ExecRequest) { r.Commands = []string{""} }, true},
		{"bad port", func(r *models.ExecRequest) { r.Port = 70000 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
