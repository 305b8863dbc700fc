// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
	}{
		{name: "empty dsn", dsn: ""},
		{name: "malformed dsn", dsn: "not a dsn"},
		{name: "unreachable server", dsn: "broker:secret@tcp(127.0.0.1:1)/broker?timeout=200ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, err := New(Config{DSN: tt.dsn})
			assert.Error(t, err)
			assert.Nil(t, gw)
		})
	}
}
