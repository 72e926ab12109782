package roster

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid input")
	ErrConflict = errors.New("conflict")
)

// Collection names.
const (
	collEmployees   = "employees"
	collSchedules   = "birthday_schedules"
	collMessageLogs = "message_logs"
)

type Employee struct {
	ID                 string    `json:"id"`
	FirstName          string    `json:"firstName"`
	LastName           string    `json:"lastName,omitempty"`
	EmpID              string    `json:"empId,omitempty"`
	PhoneNumber        string    `json:"phoneNumber,omitempty"`
	DateOfBirth        Date      `json:"dateOfBirth"`
	Designation        string    `json:"designation,omitempty"`
	IsActive           bool      `json:"isActive"`
	IsDeleted          bool      `json:"isDeleted"`
	IsMessageScheduled bool      `json:"isMessageScheduled"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// EmployeeInput creates an employee. IsActive defaults to true.
type EmployeeInput struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	EmpID       string `json:"empId"`
	PhoneNumber string `json:"phoneNumber"`
	DateOfBirth Date   `json:"dateOfBirth"`
	Designation string `json:"designation"`
	IsActive    *bool  `json:"isActive"`
}

// EmployeePatch updates the non-nil fields.
type EmployeePatch struct {
	FirstName   *string `json:"firstName"`
	LastName    *string `json:"lastName"`
	EmpID       *string `json:"empId"`
	PhoneNumber *string `json:"phoneNumber"`
	DateOfBirth *Date   `json:"dateOfBirth"`
	Designation *string `json:"designation"`
	IsActive    *bool   `json:"isActive"`
}

// Upcoming is an employee with the days left until their next birthday.
type Upcoming struct {
	Employee
	DaysLeft     int  `json:"diffInDays"`
	NextBirthday Date `json:"nextBirthday"`
}

type ScheduleStatus string

const (
	SchedulePending ScheduleStatus = "pending"
	ScheduleSent    ScheduleStatus = "sent"
	ScheduleFailed  ScheduleStatus = "failed"
)

func (s ScheduleStatus) Valid() bool {
	switch s {
	case SchedulePending, ScheduleSent, ScheduleFailed:
		return true
	}
	return false
}

type Schedule struct {
	ID            string           `json:"id"`
	EmployeeID    string           `json:"employeeId"`
	Employee      *EmployeeSummary `json:"employee,omitempty"`
	Message       string           `json:"message"`
	ImageURL      string           `json:"imageUrl,omitempty"`
	ScheduledDate Date             `json:"scheduledDate"`
	SentAt        *time.Time       `json:"sentAt"`
	Status        ScheduleStatus   `json:"status"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// EmployeeSummary is the employee view attached to schedules on read.
type EmployeeSummary struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName,omitempty"`
	EmpID       string `json:"empId,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Designation string `json:"designation,omitempty"`
}

type ScheduleInput struct {
	Message  string `json:"message"`
	ImageURL string `json:"imageUrl"`
}

type SchedulePatch struct {
	Message       *string         `json:"message"`
	ImageURL      *string         `json:"imageUrl"`
	ScheduledDate *Date           `json:"scheduledDate"`
	Status        *ScheduleStatus `json:"status"`
}

type LogStatus string

const (
	LogSent      LogStatus = "sent"
	LogScheduled LogStatus = "scheduled"
	LogFailed    LogStatus = "failed"
)

// MessageLog is one outbound message record.
type MessageLog struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	Message     string    `json:"message"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Status      LogStatus `json:"status"`
	SentAt      time.Time `json:"sentAt"`
	Error       string    `json:"error,omitempty"`
}
