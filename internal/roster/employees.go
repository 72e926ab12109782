package roster

import (
	"context"
	"fmt"
	"sort"
	"strings"

	logx "chatbridge/pkg/logx"
)

func (in *EmployeeInput) normalize() {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.EmpID = strings.TrimSpace(in.EmpID)
	in.PhoneNumber = strings.TrimSpace(in.PhoneNumber)
	in.Designation = strings.TrimSpace(in.Designation)
}

func validateEmployee(e Employee) error {
	if e.FirstName == "" {
		return invalid("firstName is required")
	}
	if e.DateOfBirth.IsZero() {
		return invalid("dateOfBirth is required")
	}
	return nil
}

func (s *Service) CreateEmployee(ctx context.Context, in EmployeeInput) (Employee, error) {
	in.normalize()
	now := s.now()
	e := Employee{
		ID:          newID(),
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		EmpID:       in.EmpID,
		PhoneNumber: in.PhoneNumber,
		DateOfBirth: in.DateOfBirth,
		Designation: in.Designation,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.IsActive != nil {
		e.IsActive = *in.IsActive
	}
	if err := validateEmployee(e); err != nil {
		return Employee{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.phoneFreeLocked(ctx, e.PhoneNumber, ""); err != nil {
		return Employee{}, err
	}
	if err := s.employees.Insert(ctx, e.ID, e); err != nil {
		return Employee{}, err
	}
	s.log.Info("employee created", logx.String("id", e.ID), logx.String("first_name", e.FirstName))
	return e, nil
}

// phoneFreeLocked rejects a phone number already used by another
// non-deleted employee.
func (s *Service) phoneFreeLocked(ctx context.Context, phone, self string) error {
	if phone == "" {
		return nil
	}
	all, err := s.employees.List(ctx)
	if err != nil {
		return err
	}
	for _, o := range all {
		if o.ID != self && !o.IsDeleted && o.PhoneNumber == phone {
			return invalid("phoneNumber %q already in use", phone)
		}
	}
	return nil
}

// GetEmployee returns a non-deleted employee.
func (s *Service) GetEmployee(ctx context.Context, id string) (Employee, error) {
	e, err := s.employees.Get(ctx, id)
	if err != nil {
		return Employee{}, notFound(err, "employee")
	}
	if e.IsDeleted {
		return Employee{}, fmt.Errorf("employee %w", ErrNotFound)
	}
	return e, nil
}

// ListEmployees returns non-deleted employees in creation order.
func (s *Service) ListEmployees(ctx context.Context) ([]Employee, error) {
	all, err := s.employees.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if !e.IsDeleted {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) UpdateEmployee(ctx context.Context, id string, p EmployeePatch) (Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.GetEmployee(ctx, id)
	if err != nil {
		return Employee{}, err
	}
	if p.FirstName != nil {
		e.FirstName = strings.TrimSpace(*p.FirstName)
	}
	if p.LastName != nil {
		e.LastName = strings.TrimSpace(*p.LastName)
	}
	if p.EmpID != nil {
		e.EmpID = strings.TrimSpace(*p.EmpID)
	}
	if p.PhoneNumber != nil {
		e.PhoneNumber = strings.TrimSpace(*p.PhoneNumber)
	}
	if p.DateOfBirth != nil {
		e.DateOfBirth = *p.DateOfBirth
	}
	if p.Designation != nil {
		e.Designation = strings.TrimSpace(*p.Designation)
	}
	if p.IsActive != nil {
		e.IsActive = *p.IsActive
	}
	if err := validateEmployee(e); err != nil {
		return Employee{}, err
	}
	if err := s.phoneFreeLocked(ctx, e.PhoneNumber, e.ID); err != nil {
		return Employee{}, err
	}
	e.UpdatedAt = s.now()
	if err := s.employees.Update(ctx, e.ID, e); err != nil {
		return Employee{}, notFound(err, "employee")
	}
	return e, nil
}

// DeleteEmployee soft-deletes. Deleting twice reports ErrNotFound.
func (s *Service) DeleteEmployee(ctx context.Context, id string) (Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.GetEmployee(ctx, id)
	if err != nil {
		return Employee{}, err
	}
	e.IsDeleted = true
	e.UpdatedAt = s.now()
	if err := s.employees.Update(ctx, e.ID, e); err != nil {
		return Employee{}, notFound(err, "employee")
	}
	s.log.Info("employee deleted", logx.String("id", e.ID))
	return e, nil
}

// UpcomingBirthdays lists active employees whose next birthday is within
// days (today counts as 0), nearest first.
func (s *Service) UpcomingBirthdays(ctx context.Context, days int) ([]Upcoming, error) {
	if days < 0 {
		return nil, invalid("days must be >= 0")
	}
	all, err := s.ListEmployees(ctx)
	if err != nil {
		return nil, err
	}
	today := s.Today()
	out := make([]Upcoming, 0)
	for _, e := range all {
		if !e.IsActive || e.DateOfBirth.IsZero() {
			continue
		}
		next := NextBirthday(e.DateOfBirth, today)
		left := today.DaysUntil(next)
		if left < 0 || left > days {
			continue
		}
		out = append(out, Upcoming{Employee: e, DaysLeft: left, NextBirthday: next})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DaysLeft < out[j].DaysLeft })
	return out, nil
}
