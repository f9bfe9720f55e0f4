/* Copyright 2018 Comcast Cable Communications Management, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"bufio"
	"context"
	"io"
	"net"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// TCPService accepts connections and runs the line protocol on each.
// maxConns limits concurrent connections; zero means no limit.
//
// The listener stops when the context is done or when a client says
// "shutdown".
func (s *Service) TCPService(ctx context.Context, addr string, maxConns int) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if 0 < maxConns {
		ln = netutil.LimitListener(ln, maxConns)
	}

	s.logger.Info("tcp service listening",
		zap.String("addr", addr),
		zap.Int("maxConns", maxConns))

	ctl := make(chan bool, 1)

	closed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-ctl:
		}
		close(closed)
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-closed:
				return nil
			default:
				return err
			}
		}

		go func() {
			if err := s.Listen(ctx, bufio.NewReader(conn), conn, ctl); err != nil && err != io.EOF {
				s.logger.Error("tcp connection", zap.Error(err))
			}
			conn.Close()
		}()
	}
}
