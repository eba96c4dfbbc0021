package dto

type CreateTransactionRequest struct {
	SellerID             string `json:"seller_id"`
	ProductID            string `json:"product_id"`
	VariantID            string `json:"variant_id,omitempty"`
	Quantity             int    `json:"quantity"`
	Amount               string `json:"amount"`
	Currency             string `json:"currency"`
	InspectionPeriodDays int    `json:"inspection_period_days,omitempty"`
}

type TransitionRequest struct {
	Status         string `json:"status"`
	Notes          string `json:"notes,omitempty"`
	Carrier        string `json:"carrier,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
}

type RescheduleRequest struct {
	TimeoutType string `json:"timeout_type"`
	ExpiresAt   string `json:"expires_at"` // RFC3339
}
