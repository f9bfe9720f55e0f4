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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jsccast/yaml"
	"go.uber.org/zap"
)

// Listen speaks the line protocol: one JSON Op per line in, the
// response rendered per line out.
//
// A few bare words are also understood: "shutdown" asks the whole
// service to stop (via ctl), "json", "prettyjson", and "yaml" switch
// the response rendering, and "sleep DURATION" pauses, which is handy
// in scripts.  Lines starting with "#" are comments.
func (s *Service) Listen(ctx context.Context, in *bufio.Reader, out io.Writer, ctl chan bool) error {
	render := "prettyjson"

	sayMutex := sync.Mutex{}

	say := func(x interface{}) bool {
		sayMutex.Lock()
		defer sayMutex.Unlock()

		var js []byte
		var err error
		switch render {
		case "json":
			js, err = json.Marshal(&x)
		case "yaml":
			js, err = yaml.Marshal(&x)
		default:
			js, err = json.MarshalIndent(&x, "", "  ")
		}
		if err != nil {
			s.logger.Warn("listener rendering", zap.Error(err))
			js = []byte(fmt.Sprintf(`{"err":%q}`, err.Error()))
		}

		js = append(js, '\n')

		if _, err = out.Write(js); err != nil {
			s.logger.Warn("listener write", zap.Error(err))
			return false
		}

		return true
	}

	complain := func(err error) bool {
		return say(map[string]interface{}{
			"err": err.Error(),
		})
	}

	okay := func() bool {
		return say("okay")
	}

	for {
		line, err := in.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		sl := strings.TrimSpace(string(line))

		if strings.HasPrefix(sl, "#") || sl == "" {
			continue
		}

		switch sl {
		case "shutdown":
			s.logger.Info("client says to shut down")
			if ctl != nil {
				ctl <- true
			}
			return nil
		case "prettyjson":
			render = "prettyjson"
			okay()
			continue
		case "json":
			render = "json"
			okay()
			continue
		case "yaml":
			render = "yaml"
			okay()
			continue
		}

		parts := strings.Split(sl, " ")
		if parts[0] == "sleep" {
			if len(parts) != 2 {
				if !complain(fmt.Errorf("sleep DURATION")) {
					return nil
				}
				continue
			}
			d, err := time.ParseDuration(parts[1])
			if err != nil {
				if !complain(err) {
					return nil
				}
				continue
			}
			time.Sleep(d)
			continue
		}

		var op Op
		if err := json.Unmarshal([]byte(sl), &op); err != nil {
			if !complain(err) {
				return err
			}
			continue
		}

		// The op carries its own error in Err.
		op.Do(ctx, s)

		if !say(&op) {
			return nil
		}
	}

	return nil
}
