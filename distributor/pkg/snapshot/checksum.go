package snapshot

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

type ChecksumError struct {
	Name     string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum %s mismatch: expected %s, got %s", e.Name, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// ComputeChecksums derives every checksum from the document's own records.
// It reads only users, levels and unlisted records, never the summary.
func ComputeChecksums(s *Snapshot, population int) Checksums {
	c := Checksums{
		TotalCommission:      decimal.Zero,
		TotalCommissionLevel: decimal.Zero,
		Population:           population,
	}
	for _, l := range s.Levels {
		c.EntryCount += l.Entries
		c.TotalCommissionLevel = c.TotalCommissionLevel.Add(l.TotalPaid)
	}
	for _, u := range s.Users {
		c.EntryCountByUser += len(u.Entries)
		c.TotalCommission = c.TotalCommission.Add(u.CommissionsReceived)
	}
	c.UsersProcessed = len(s.Users) + len(s.Unlisted)
	return c
}

// Validate recomputes the checksums of s and compares them with each other and
// with the summary. It returns the first mismatch as a *ChecksumError.
func Validate(s *Snapshot) error {
	c := ComputeChecksums(s, s.Validation.Checksums.Population)

	if c.EntryCount != c.EntryCountByUser {
		return countMismatch("entry count", c.EntryCount, c.EntryCountByUser)
	}
	if s.Summary.TotalEntries != c.EntryCount {
		return countMismatch("summary entry count", s.Summary.TotalEntries, c.EntryCount)
	}
	if !c.TotalCommission.Equal(c.TotalCommissionLevel) {
		return amountMismatch("total commission", c.TotalCommissionLevel, c.TotalCommission)
	}
	if !s.Summary.TotalCommissions.Equal(c.TotalCommission) {
		return amountMismatch("summary total commission", s.Summary.TotalCommissions, c.TotalCommission)
	}
	if c.UsersProcessed != c.Population {
		return countMismatch("users processed", c.Population, c.UsersProcessed)
	}
	if s.Summary.TotalUsers != c.UsersProcessed {
		return countMismatch("summary users", s.Summary.TotalUsers, c.UsersProcessed)
	}

	stored := s.Validation.Checksums
	if stored.EntryCount != c.EntryCount ||
		stored.EntryCountByUser != c.EntryCountByUser ||
		!stored.TotalCommission.Equal(c.TotalCommission) ||
		!stored.TotalCommissionLevel.Equal(c.TotalCommissionLevel) ||
		stored.UsersProcessed != c.UsersProcessed {
		return &ChecksumError{Name: "recorded checksums", Expected: "recomputed values", Actual: "different values"}
	}
	if !s.Validation.ChecksumsPassed {
		return &ChecksumError{Name: "checksums passed flag", Expected: "true", Actual: "false"}
	}
	return nil
}

func countMismatch(name string, expected, actual int) error {
	return &ChecksumError{Name: name, Expected: fmt.Sprint(expected), Actual: fmt.Sprint(actual)}
}

func amountMismatch(name string, expected, actual decimal.Decimal) error {
	return &ChecksumError{Name: name, Expected: expected.String(), Actual: actual.String()}
}
