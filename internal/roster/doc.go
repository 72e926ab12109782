// Package roster keeps the bridge's domain records: employees, the birthday
// schedules created for them and the log of outbound messages.
//
// Records live in a storage.Store under three collections. Employees are
// soft-deleted; schedules are removed outright.
package roster
