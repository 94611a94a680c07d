package otc

import "errors"

// State violations are permanent and never retried.
var (
	ErrBadState        = errors.New("otc: bad state")
	ErrAlreadyApproved = errors.New("otc: already approved")
	ErrApprovedByYou   = errors.New("otc: already approved by you")
	ErrNotApproved     = errors.New("otc: not approved")
	ErrLocked          = errors.New("otc: locked")
	ErrExpired         = errors.New("otc: quote expired")
	ErrNotExpired      = errors.New("otc: quote not yet expired")
	ErrTooEarlyRefund  = errors.New("otc: too early for emergency refund")
)

// Resource violations are permanent input rejections.
var (
	ErrInsufficientInventory = errors.New("otc: insufficient inventory")
	ErrBelowMinimum          = errors.New("otc: below minimum usd amount")
	ErrLockupTooLong         = errors.New("otc: lockup too long")
	ErrAmountRange           = errors.New("otc: amount out of range")
	ErrDiscountRange         = errors.New("otc: discount out of range")
	ErrUnsupportedCurrency   = errors.New("otc: unsupported currency")
	ErrInsufficientPayment   = errors.New("otc: insufficient payment")
)

// Oracle failures are retriable once prices are refreshed; a stale price never
// silently substitutes a default.
var (
	ErrNoPrice        = errors.New("otc: no price set")
	ErrStalePrice     = errors.New("otc: price data is stale")
	ErrManualPriceOld = errors.New("otc: manual price too old")
	ErrPriceOutOfBand = errors.New("otc: price outside accepted bounds")
)

// Authorization failures.
var (
	ErrNotOwner       = errors.New("otc: not owner")
	ErrNotApprover    = errors.New("otc: not approver")
	ErrNotBeneficiary = errors.New("otc: not beneficiary")
	ErrPaused         = errors.New("otc: desk paused")
	ErrRefundDisabled = errors.New("otc: emergency refund disabled")
)
