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

package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"mosn.io/transact/pkg/arena"
	"mosn.io/transact/pkg/doorbell"
	"mosn.io/transact/pkg/shm"
	"mosn.io/transact/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	segmentFlags = []cli.Flag{
		cli.StringFlag{
			Name:  "shm, s",
			Usage: "shared memory segment name",
		},
		cli.StringFlag{
			Name:  "transport, t",
			Usage: "doorbell name, defaults to the segment name with a _bell suffix",
		},
		cli.StringFlag{
			Name:  "dir, d",
			Usage: "directory for relative names",
		},
	}

	cmdInspect = cli.Command{
		Name:  "inspect",
		Usage: "print the state of a segment without joining it",
		Flags: append([]cli.Flag{
			cli.BoolFlag{
				Name:  "json",
				Usage: "print json instead of a table",
			},
		}, segmentFlags...),
		Action: func(c *cli.Context) error {
			seg, err := attachSegment(c)
			if err != nil {
				return err
			}
			defer seg.close()

			report, err := seg.report()
			if err != nil {
				return err
			}
			if c.Bool("json") {
				b, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(b))
				return nil
			}
			return report.print(os.Stdout)
		},
	}

	cmdReclaim = cli.Command{
		Name:  "reclaim",
		Usage: "free the extents and mail of a role that exited without closing",
		Flags: append([]cli.Flag{
			cli.StringFlag{
				Name:  "role, r",
				Usage: "role to reclaim, parent or child",
				Value: types.RoleAcceptor.String(),
			},
			cli.BoolFlag{
				Name:  "force",
				Usage: "reclaim even if the role still looks alive",
			},
		}, segmentFlags...),
		Action: func(c *cli.Context) error {
			role, err := types.ParseRole(c.String("role"))
			if err != nil {
				return err
			}
			seg, err := attachSegment(c)
			if err != nil {
				return err
			}
			defer seg.close()

			if seg.bell != nil && seg.bell.Alive(role) && !c.Bool("force") {
				return errors.Errorf("%s pid %d is still alive, use --force to reclaim anyway", role, seg.bell.Pid(role))
			}
			n, bytes, err := seg.arena.Reclaim(role)
			if err != nil {
				return err
			}
			if seg.bell != nil {
				seg.bell.Leave(role)
			}
			fmt.Printf("reclaimed %d extents, %d bytes from %s\n", n, bytes, role)
			return nil
		},
	}
)

// segment is an observer's view of a channel: mapped, never joined.
type segment struct {
	segSpan  *shm.ShmSpan
	bellSpan *shm.ShmSpan
	arena    *arena.Arena
	bell     *doorbell.Doorbell
}

// attachSegment maps the segment named by the flags. A missing doorbell
// is tolerated so a half cleaned segment can still be inspected.
func attachSegment(c *cli.Context) (*segment, error) {
	name := c.String("shm")
	if name == "" {
		return nil, errors.New("--shm is required")
	}
	transport := c.String("transport")
	if transport == "" {
		transport = name + "_bell"
	}

	seg := &segment{}
	var err error
	if seg.segSpan, err = shm.Attach(shm.Path(c.String("dir"), name), 0); err != nil {
		return nil, err
	}
	if seg.arena, err = arena.Attach(seg.segSpan); err != nil {
		seg.close()
		return nil, err
	}
	if seg.bellSpan, err = shm.Attach(shm.Path(c.String("dir"), transport), doorbell.Size); err != nil {
		fmt.Fprintf(os.Stderr, "doorbell unavailable: %v\n", err)
		return seg, nil
	}
	if seg.bell, err = doorbell.Attach(seg.bellSpan, seg.arena.Token()); err != nil {
		fmt.Fprintf(os.Stderr, "doorbell unavailable: %v\n", err)
		seg.bell = nil
	}
	return seg, nil
}

func (s *segment) close() {
	if s.bellSpan != nil {
		shm.Free(s.bellSpan)
	}
	if s.segSpan != nil {
		shm.Free(s.segSpan)
	}
}

type peerInfo struct {
	Role  string `json:"role"`
	State string `json:"state"`
	Pid   uint32 `json:"pid,omitempty"`
	Alive bool   `json:"alive"`
}

type report struct {
	Token   string             `json:"token"`
	Size    int                `json:"size"`
	Peers   []peerInfo         `json:"peers,omitempty"`
	Stats   arena.Stats        `json:"stats"`
	Extents []arena.ExtentInfo `json:"extents"`
}

func (s *segment) report() (*report, error) {
	stats, err := s.arena.Stats()
	if err != nil {
		return nil, err
	}
	extents, err := s.arena.Extents()
	if err != nil {
		return nil, err
	}
	r := &report{
		Token:   s.arena.Token().String(),
		Size:    s.segSpan.Size(),
		Stats:   stats,
		Extents: extents,
	}
	if s.bell != nil {
		for _, role := range []types.Role{types.RoleInitiator, types.RoleAcceptor} {
			r.Peers = append(r.Peers, peerInfo{
				Role:  role.String(),
				State: s.bell.State(role).String(),
				Pid:   s.bell.Pid(role),
				Alive: s.bell.Alive(role),
			})
		}
	}
	return r, nil
}

func (r *report) print(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "token\t%s\n", r.Token)
	fmt.Fprintf(w, "size\t%d\n", r.Size)
	for _, p := range r.Peers {
		fmt.Fprintf(w, "%s\t%s pid=%d alive=%v\n", p.Role, p.State, p.Pid, p.Alive)
	}
	fmt.Fprintf(w, "capacity\t%d (overhead %d)\n", r.Stats.Capacity, r.Stats.Overhead)
	fmt.Fprintf(w, "free\t%d in %d extents, largest %d\n", r.Stats.Free, r.Stats.FreeExtents, r.Stats.LargestFree)
	fmt.Fprintf(w, "allocated\t%d\n", r.Stats.Allocated)
	fmt.Fprintf(w, "in flight\t%d\n", r.Stats.InFlight)
	fmt.Fprintf(w, "pending\tparent=%d child=%d\n",
		r.Stats.Pending[types.RoleInitiator], r.Stats.Pending[types.RoleAcceptor])

	names := make([]string, 0, len(r.Stats.Counters))
	for name := range r.Stats.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%d\n", name, r.Stats.Counters[name])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OFFSET\tLENGTH\tSTATE\tID\tUSED\tOWNER\tORIGIN\tKEEP")
	for _, e := range r.Extents {
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%s\t%s\t%v\n",
			e.Offset, e.Length, e.State, e.ID, e.Used, e.Owner, e.Origin, e.Keep)
	}
	return w.Flush()
}
