// Package models holds the wire types shared by the gateway, the executor
// service and the report sink.
package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nce-project/nce/pkg/runner"
)

var validate = validator.New()

// ExecRequest asks for one command batch to be executed on one device.
// Commands arrive finalized: placeholder substitution happens upstream.
type ExecRequest struct {
	ExecutionUID  uuid.UUID `json:"executionUid"`
	DeviceAddress string    `json:"deviceAddress" validate:"required"`
	Port          int       `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username      string    `json:"username" validate:"required"`
	Password      string    `json:"password,omitempty" validate:"required_without=KeyPath"`
	KeyPath       string    `json:"keyPath,omitempty"`
	EquipmentType string    `json:"equipmentType" validate:"required"`
	Commands      []string  `json:"commands" validate:"required,min=1,dive,required"`
}

// Validate checks the request against its struct tags.
func (r ExecRequest) Validate() error {
	return validate.Struct(r)
}

// ExecResponse acknowledges an accepted request. Warnings carry the
// advisory safety verdict; they never block execution.
type ExecResponse struct {
	ExecutionUID uuid.UUID `json:"executionUid"`
	Warnings     []string  `json:"warnings,omitempty"`
}

// ReportEnvelope wraps one execution report for publishing and persistence.
type ReportEnvelope struct {
	ExecutionUID  uuid.UUID     `json:"executionUid" bson:"executionUid"`
	DeviceAddress string        `json:"deviceAddress" bson:"deviceAddress"`
	Report        runner.Report `json:"report" bson:"report"`
	ExecutedAt    time.Time     `json:"executedAt" bson:"executedAt"`
}
