package models

import "errors"

type OwnershipPeriodStatus string

const (
	OwnershipPeriodStatusActive   OwnershipPeriodStatus = "active"
	OwnershipPeriodStatusResolved OwnershipPeriodStatus = "resolved"
)

func (s OwnershipPeriodStatus) IsValid() bool {
	switch s {
	case OwnershipPeriodStatusActive, OwnershipPeriodStatusResolved:
		return true
	}
	return false
}

func ParseOwnershipPeriodStatus(str string) (OwnershipPeriodStatus, error) {
	s := OwnershipPeriodStatus(str)
	if !s.IsValid() {
		return "", errors.New("invalid ownership period status")
	}
	return s, nil
}
