// Package types defines the domain records, status enums, stage contracts
// and external collaborator interfaces shared by every shelfhand component.
//
// The structs carry GORM column tags and table names directly; pkg/storage
// migrates and persists them without a separate mapping layer.
package types
