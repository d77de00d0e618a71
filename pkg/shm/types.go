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

package shm

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// CachelineSize is the alignment of every region carved from a span.
const CachelineSize = 64

var errNotEnough = errors.New("span capacity is not enough")

// ShmSpan is one mapping of a shared memory file.
// Alloc carves it front to back into cacheline aligned regions, so two
// processes issuing the same Alloc sequence see the same layout.
type ShmSpan struct {
	sync.Mutex
	name   string
	origin []byte

	data   uintptr
	offset int
	size   int
}

func NewShmSpan(name string, data []byte) *ShmSpan {
	return &ShmSpan{
		name:   name,
		origin: data,
		data:   uintptr(unsafe.Pointer(&data[0])),
		size:   len(data),
	}
}

// Name is the path the span was mapped from.
func (s *ShmSpan) Name() string {
	return s.name
}

func (s *ShmSpan) Data() uintptr {
	return s.data
}

func (s *ShmSpan) Origin() []byte {
	return s.origin
}

func (s *ShmSpan) Size() int {
	return s.size
}

// Alloc reserves the next size bytes, rounded up to CachelineSize.
func (s *ShmSpan) Alloc(size int) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	aligned := (size + CachelineSize - 1) &^ (CachelineSize - 1)
	if size <= 0 || s.offset+aligned > s.size {
		return nil, errors.Wrapf(errNotEnough, "alloc %d at %d of %d", size, s.offset, s.size)
	}

	b := s.origin[s.offset : s.offset+aligned : s.offset+aligned]
	s.offset += aligned
	return b, nil
}

// Rest reserves everything not yet allocated.
func (s *ShmSpan) Rest() []byte {
	s.Lock()
	defer s.Unlock()

	b := s.origin[s.offset:s.size:s.size]
	s.offset = s.size
	return b
}

// Used is the number of bytes handed out by Alloc and Rest.
func (s *ShmSpan) Used() int {
	s.Lock()
	defer s.Unlock()
	return s.offset
}
