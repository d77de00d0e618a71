/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build linux || darwin

// Package shm maps named shared memory files.
package shm

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"mosn.io/transact/pkg/log"
	"mosn.io/transact/pkg/types"
)

// Path resolves a resource name. Absolute names and names containing a
// separator are used as is, bare names live in dir with the transact_ prefix.
func Path(dir, name string) string {
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	if dir == "" {
		dir = types.DefaultShmDir
	}
	return filepath.Join(dir, types.ShmFilePrefix+name)
}

// Create makes a fresh file of size bytes at path and maps it shared.
// A stale file from an earlier run is removed first. The new file is zero filled.
func Create(path string, size int, mlock bool) (*ShmSpan, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid shm size %d for %s", size, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "mkdir for %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "remove stale %s", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, "truncate %s to %d", path, size)
	}

	span, err := mmap(f, path, size, mlock)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return span, nil
}

// Attach maps an existing file. size 0 maps the whole file, otherwise the
// file must be exactly size bytes.
func Attach(path string, size int) (*ShmSpan, error) {
	if err := checkConsistency(path, size); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	if size == 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, errors.Wrapf(err, "stat %s", path)
		}
		size = int(info.Size())
		if size == 0 {
			return nil, errors.Errorf("mmap target path %s is empty", path)
		}
	}

	return mmap(f, path, size, false)
}

func mmap(f *os.File, path string, size int, mlock bool) (*ShmSpan, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", path)
	}

	if mlock {
		// lock mmap data to avoid I/O page fault
		if err := unix.Mlock(data); err != nil {
			log.StartLogger.Warnf("failed to mlock memory from mmap, please check the RLIMIT_MEMLOCK: %s", err)
		}
	}

	return NewShmSpan(path, data), nil
}

func checkConsistency(path string, size int) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	if size != 0 && info.Size() != int64(size) {
		return errors.Errorf("mmap target path %s exists and its size %d mismatch %d", path, info.Size(), size)
	}
	return nil
}

// Free unmaps the span. The file stays.
func Free(span *ShmSpan) error {
	if span == nil || span.origin == nil {
		return nil
	}
	err := unix.Munmap(span.origin)
	span.origin = nil
	span.data = 0
	return err
}

// Clear unlinks the backing file. Mappings stay valid until unmapped.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
