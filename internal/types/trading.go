package types

import (
	"time"

	"gorm.io/gorm"
)

// Brokerage order statuses.
const (
	StatusAwaitingParentOrder  = "AWAITING_PARENT_ORDER"
	StatusAwaitingCondition    = "AWAITING_CONDITION"
	StatusAwaitingManualReview = "AWAITING_MANUAL_REVIEW"
	StatusAwaitingUrOut        = "AWAITING_UR_OUT"
	StatusAccepted             = "ACCEPTED"
	StatusPendingActivation    = "PENDING_ACTIVATION"
	StatusQueued               = "QUEUED"
	StatusWorking              = "WORKING"
	StatusRejected             = "REJECTED"
	StatusPendingCancel        = "PENDING_CANCEL"
	StatusCanceled             = "CANCELED"
	StatusPendingReplace       = "PENDING_REPLACE"
	StatusReplaced             = "REPLACED"
	StatusFilled               = "FILLED"
	StatusExpired              = "EXPIRED"

	// StatusComboPending marks an option leg held back until the rest of its
	// combo arrives.
	StatusComboPending = "COMBO_PENDING"
)

// OrderIntent is one buy or sell request from the trading engine. Quantity is
// signed: positive buys, negative sells. MarketPrice is the last quoted price
// and is only needed for dollar-denominated mutual fund orders.
type OrderIntent struct {
	Asset       *Asset
	Quantity    float64
	Limit       float64
	StopDist    float64
	Close       bool
	MarketPrice float64
}

// TradeRecord maps a local trade id to the brokerage order behind it.
type TradeRecord struct {
	gorm.Model    `json:"-"`
	LocalID       int32     `gorm:"uniqueIndex" json:"local_id"`
	BrokerOrderID int64     `gorm:"index" json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	AssetClass    string    `json:"asset_class"`
	OrderType     string    `json:"order_type"`
	Instruction   string    `json:"instruction"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	Filled        float64   `json:"filled"`
	Closed        float64   `json:"closed"`
	LegClosed     []float64 `gorm:"serializer:json;type:text" json:"leg_closed,omitempty"`
	Status        string    `json:"status"`
	OrderJSON     string    `json:"order_json,omitempty"`
	EnteredAt     time.Time `json:"entered_at"`

	// StatusCode is the engine-facing result and is never persisted.
	StatusCode float64 `gorm:"-" json:"status_code"`
}

// TradeXref links a secondary brokerage order, such as the short-sell child
// of a split sell, to the trade that spawned it.
type TradeXref struct {
	gorm.Model       `json:"-"`
	LocalID          int32     `gorm:"index" json:"local_id"`
	PrimaryOrderID   int64     `gorm:"index" json:"primary_order_id"`
	SecondaryOrderID int64     `gorm:"uniqueIndex" json:"secondary_order_id"`
	EnteredAt        time.Time `json:"entered_at"`
}

// IDAllocator is the single-row counter behind local trade ids.
type IDAllocator struct {
	ID          uint  `gorm:"primaryKey"`
	NextLocalID int32 `json:"next_local_id"`
}
