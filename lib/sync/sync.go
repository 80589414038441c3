// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sync provides mutex and wait group types that log when they are
// held or waited on for longer than a threshold, when the "sync" debug
// facility is enabled. Otherwise they are the plain standard library types.
package sync

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type Mutex interface {
	Lock()
	Unlock()
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

type WaitGroup interface {
	Add(int)
	Done()
	Wait()
}

func NewMutex() Mutex {
	if debug {
		return &loggedMutex{}
	}
	return &sync.Mutex{}
}

func NewRWMutex() RWMutex {
	if debug {
		return &loggedRWMutex{}
	}
	return &sync.RWMutex{}
}

func NewWaitGroup() WaitGroup {
	if debug {
		return &loggedWaitGroup{}
	}
	return &sync.WaitGroup{}
}

type holder struct {
	at   string
	time time.Time
}

func (h holder) String() string {
	if h.at == "" {
		return "not held"
	}
	return fmt.Sprintf("at %s for %s", h.at, time.Since(h.time))
}

type loggedMutex struct {
	sync.Mutex
	holder atomic.Pointer[holder]
}

func (m *loggedMutex) Lock() {
	m.Mutex.Lock()
	m.holder.Store(&holder{at: getCaller(), time: time.Now()})
}

func (m *loggedMutex) Unlock() {
	if h := m.holder.Load(); h != nil {
		if d := time.Since(h.time); d >= threshold {
			l.Debugf("Mutex held for %v. Locked at %s unlocked at %s", d, h.at, getCaller())
		}
	}
	m.holder.Store(nil)
	m.Mutex.Unlock()
}

type loggedRWMutex struct {
	sync.RWMutex
	holder atomic.Pointer[holder]
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()
	m.RWMutex.Lock()
	if d := time.Since(start); d >= threshold {
		l.Debugf("RWMutex took %v to lock. Locked at %s", d, getCaller())
	}
	m.holder.Store(&holder{at: getCaller(), time: time.Now()})
}

func (m *loggedRWMutex) Unlock() {
	if h := m.holder.Load(); h != nil {
		if d := time.Since(h.time); d >= threshold {
			l.Debugf("RWMutex held for %v. Locked at %s unlocked at %s", d, h.at, getCaller())
		}
	}
	m.holder.Store(nil)
	m.RWMutex.Unlock()
}

type loggedWaitGroup struct {
	sync.WaitGroup
}

func (wg *loggedWaitGroup) Wait() {
	start := time.Now()
	wg.WaitGroup.Wait()
	if d := time.Since(start); d >= threshold {
		l.Debugf("WaitGroup took %v at %s", d, getCaller())
	}
}

func getCaller() string {
	_, file, line, _ := runtime.Caller(2)
	file = filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file))
	return fmt.Sprintf("%s:%d", file, line)
}
