// Package procure reads the externally owned procurement database. The
// application never writes to it; every operation here is a parameterized
// read except the admin console pass-through.
package procure

import (
	"errors"
	"time"
)

var (
	// ErrConnectionFailure marks an external-store connection that could not
	// be established. Callers degrade to an empty result and record it.
	ErrConnectionFailure = errors.New("procurement store unavailable")
	ErrNotFound          = errors.New("record not found")
)

type Record struct {
	ID             int64     `json:"id"`
	DateRequest    time.Time `json:"date_request"`
	PurchaseObject string    `json:"purchase_object"`
	StartCost      string    `json:"start_cost"`
	Customer       string    `json:"customer"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	Address        string    `json:"address"`
	Category       string    `json:"category,omitempty"`
}

// Item is one line of the child specification table for a Record.
type Item struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
}

type Page struct {
	Rows  []Record `json:"rows"`
	Total int      `json:"total"`
}

// RawResult reports one admin console statement. Columns and Rows are set
// only for result-bearing statements.
type RawResult struct {
	Columns   []string      `json:"columns,omitempty"`
	Rows      [][]any       `json:"rows,omitempty"`
	RowCount  int64         `json:"rowcount"`
	Elapsed   time.Duration `json:"-"`
	ElapsedMS int64         `json:"elapsed_ms"`
}
