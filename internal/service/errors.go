package service

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrPlanNotFound       = errors.New("membership plan not found")
	ErrPlanInactive       = errors.New("membership plan inactive")
	ErrInvalidAmount      = errors.New("amount does not match plan price")
	ErrProviderNotFound   = errors.New("payment provider not found")
	ErrProviderMismatch   = errors.New("payment provider mismatch")
	ErrOrderNotFound      = errors.New("payment order not found")
	ErrOrderNotPaid       = errors.New("payment order not paid")
	ErrOrderCreateFailed  = errors.New("payment order create failed")
	ErrOrderUpdateFailed  = errors.New("payment order update failed")
	ErrAmountMismatch     = errors.New("payment amount mismatch")
	ErrCurrencyMismatch   = errors.New("payment currency mismatch")
	ErrAlreadyFinalized   = errors.New("payment order already finalized")
	ErrExpireDeferred     = errors.New("payment order expiry deferred")
	ErrStatusInvalid      = errors.New("payment status invalid")
	ErrMembershipNotFound = errors.New("membership not found")
)
