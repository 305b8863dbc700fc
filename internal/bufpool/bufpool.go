// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles encode buffers.
package bufpool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap bounds buffers kept by a Pool created with a zero cap.
const DefaultMaxCap = 64 * 1024

// Pool hands out reset buffers and drops any that grew past maxCap.
type Pool struct {
	maxCap int
	pool   sync.Pool
}

// New creates a pool that retains buffers of at most maxCap bytes.
func New(maxCap int) *Pool {
	if maxCap <= 0 {
		maxCap = DefaultMaxCap
	}
	p := &Pool{maxCap: maxCap}
	p.pool.New = func() any { return new(bytes.Buffer) }
	return p
}

func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}
