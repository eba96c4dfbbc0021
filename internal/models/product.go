package models

import (
	"time"

	"github.com/google/uuid"
)

type Product struct {
	ID                 uuid.UUID `json:"id"`
	Title              string    `json:"title"`
	InspectionRequired bool      `json:"inspection_required"`
	Stock              int       `json:"stock"`
	Reserved           int       `json:"reserved"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
