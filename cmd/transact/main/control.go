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
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"mosn.io/pkg/utils"

	"mosn.io/transact/pkg/channel"
	"mosn.io/transact/pkg/config"
	"mosn.io/transact/pkg/log"
	"mosn.io/transact/pkg/types"
)

// request layout: int32 sequence, bool flag, float64 send time, raw padding.
// reply layout: int32 sequence, bool negated flag.
const (
	requestHeader = 4 + 1 + 8
	replySize     = 4 + 1
	// ids cycle through this range
	idSpace = 1 << 16
)

var (
	cmdParent = cli.Command{
		Name:  "parent",
		Usage: "create a channel and send requests, waiting for each reply",
		Flags: append([]cli.Flag{
			cli.IntFlag{
				Name:  "count",
				Usage: "number of requests",
				Value: 10,
			}, cli.IntFlag{
				Name:  "payload",
				Usage: "raw bytes appended to every request",
			}, cli.DurationFlag{
				Name:  "timeout",
				Usage: "give up waiting for a reply after this long",
				Value: 5 * time.Second,
			}, cli.BoolFlag{
				Name:  "spawn",
				Usage: "start the child side as a sub process",
			},
		}, channelFlags...),
		Action: func(c *cli.Context) error {
			ch, cfg, err := openChannel(c, types.RoleInitiator)
			if err != nil {
				return err
			}
			defer ch.Close()

			var child *exec.Cmd
			if c.Bool("spawn") {
				if child, err = spawnChild(cfg, ch); err != nil {
					return err
				}
			}

			err = runParent(ch, c.Int("count"), c.Int("payload"), c.Duration("timeout"))
			// metrics are unregistered by Close
			dumpMetrics(&cfg.Metrics)
			ch.Close()
			if child != nil {
				if werr := child.Wait(); werr != nil && err == nil {
					err = errors.Wrap(werr, "child")
				}
			}
			return err
		},
	}

	cmdChild = cli.Command{
		Name:  "child",
		Usage: "attach to a channel and reply to requests until the parent leaves",
		Flags: channelFlags,
		Action: func(c *cli.Context) error {
			ch, cfg, err := openChannel(c, types.RoleAcceptor)
			if err != nil {
				return err
			}
			defer ch.Close()
			defer dumpMetrics(&cfg.Metrics)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			done := make(chan error, 1)
			utils.GoWithRecover(func() {
				done <- serve(ctx, ch)
			}, func(r interface{}) {
				done <- errors.Errorf("serve loop panic: %v", r)
			})
			return <-done
		},
	}
)

// spawnChild re-executes this binary as the child of ch.
func spawnChild(cfg *config.Config, ch *channel.Channel) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "locate executable")
	}
	args := []string{"child",
		"--shm", cfg.Channel.ShmName,
		"--token", ch.ID().String(),
		"--attach-timeout", "5s",
	}
	for flag, value := range map[string]string{
		"transport":     cfg.Channel.TransportName,
		"dir":           cfg.Channel.Dir,
		"poll-interval": cfg.Channel.PollInterval,
		"log-level":     cfg.Log.Level,
	} {
		if value != "" {
			args = append(args, "--"+flag, value)
		}
	}
	cmd := exec.Command(self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start child")
	}
	log.DefaultLogger.Infof("[transact] [parent] spawned child pid %d", cmd.Process.Pid)
	return cmd, nil
}

func runParent(ch *channel.Channel, count, payload int, timeout time.Duration) error {
	pad := make([]byte, payload)
	var total time.Duration
	for i := 0; i < count; i++ {
		start := time.Now()
		if err := roundTrip(ch, i, pad, timeout); err != nil {
			return errors.Wrapf(err, "request %d", i)
		}
		elapsed := time.Since(start)
		total += elapsed
		if log.DefaultLogger.GetLogLevel() >= log.DEBUG {
			log.DefaultLogger.Debugf("[transact] [parent] request %d took %s", i, elapsed)
		}
	}
	if count > 0 {
		log.DefaultLogger.Infof("[transact] [parent] %d requests, mean latency %s", count, total/time.Duration(count))
	}
	return nil
}

func roundTrip(ch *channel.Channel, seq int, pad []byte, timeout time.Duration) error {
	id := types.MessageID(seq%idSpace + 1)
	msg, err := ch.Allocate(id, requestHeader+len(pad))
	if err != nil {
		return err
	}
	defer msg.Release()

	flag := seq%2 == 0
	if err := msg.WriteInt32(int32(seq)); err != nil {
		return err
	}
	if err := msg.WriteBool(flag); err != nil {
		return err
	}
	if err := msg.WriteFloat64(float64(time.Now().UnixNano()) / 1e9); err != nil {
		return err
	}
	if err := msg.WriteBytes(pad); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	reply, err := ch.Call(ctx, msg, 0)
	if err != nil {
		return err
	}
	defer reply.Release()

	got, err := reply.ReadInt32()
	if err != nil {
		return err
	}
	negated, err := reply.ReadBool()
	if err != nil {
		return err
	}
	if int(got) != seq || negated == flag {
		return errors.Errorf("reply %d/%v does not answer %d/%v", got, negated, seq, flag)
	}
	return nil
}

// serve answers requests until the parent leaves or ctx ends.
func serve(ctx context.Context, ch *channel.Channel) error {
	served := 0
	for {
		req, err := ch.Get(ctx)
		if err != nil {
			if errors.Is(err, types.ErrPeerClosed) || errors.Is(err, context.Canceled) {
				log.DefaultLogger.Infof("[transact] [child] served %d requests: %v", served, err)
				return nil
			}
			return err
		}
		if err := answer(ctx, ch, req); err != nil {
			return err
		}
		served++
	}
}

func answer(ctx context.Context, ch *channel.Channel, req *channel.Message) error {
	defer req.Release()

	seq, err := req.ReadInt32()
	if err != nil {
		return err
	}
	flag, err := req.ReadBool()
	if err != nil {
		return err
	}
	sent, err := req.ReadFloat64()
	if err != nil {
		return err
	}
	if log.DefaultLogger.GetLogLevel() >= log.DEBUG {
		delay := time.Since(time.Unix(0, int64(sent*1e9)))
		log.DefaultLogger.Debugf("[transact] [child] request %d after %s, %d bytes", seq, delay, req.Len())
	}

	reply, err := ch.Allocate(req.ID(), replySize)
	if err != nil {
		return err
	}
	if err := reply.WriteInt32(seq); err != nil {
		reply.Release()
		return err
	}
	if err := reply.WriteBool(!flag); err != nil {
		reply.Release()
		return err
	}
	if _, err := ch.Call(ctx, reply, channel.CallNoReturn); err != nil {
		reply.Release()
		return err
	}
	return nil
}
