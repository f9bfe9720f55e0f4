package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/Comcast/loom/match"

	"github.com/jsccast/yaml"
)

// This is a little expect-style harness for services that speak
// newline-delimited JSON, which is to say loomd.  You construct a
// Session, which has inputs and expected outputs, and run it to see
// whether the expected outputs actually appear.

// Output specifies a message that a session step requires to appear.
type Output struct {
	// Doc is an opaque documentation string.
	Doc string `json:"doc,omitempty" yaml:"doc,omitempty"`

	// Pattern (see the match package) must match an emitted
	// message.
	Pattern interface{} `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Bindingss is the result of the match.  Just diagnostics.
	Bindingss []match.Bindings `json:"-" yaml:"-"`
}

// IO is a batch of input lines and the set of outputs they must
// provoke.
type IO struct {
	// Doc is an opaque documentation string.
	Doc string `json:"doc,omitempty" yaml:"doc,omitempty"`

	// WaitBefore is the time to wait before sending the first
	// input.
	WaitBefore time.Duration `json:"waitBefore,omitempty" yaml:"waitBefore,omitempty"`

	// WaitBetween is the time to wait between inputs.
	WaitBetween time.Duration `json:"waitBetween,omitempty" yaml:"waitBetween,omitempty"`

	// Inputs are the lines to send.
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// WaitAfter is the time to wait after sending the last input.
	WaitAfter time.Duration `json:"waitAfter,omitempty" yaml:"waitAfter,omitempty"`

	// OutputSet is the set (not a sequence) of outputs to verify.
	OutputSet []*Output `json:"outputSet,omitempty" yaml:"outputSet,omitempty"`

	// Timeout is the optional timeout for this batch.
	// Session.DefaultTimeout is the default value.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Session is mostly a sequence of IOs.
type Session struct {
	// Doc is an opaque documentation string.
	Doc string `json:"doc,omitempty" yaml:"doc,omitempty"`

	// IOs is the sequence of IOs this session will run.
	IOs []*IO `json:"ios" yaml:"ios"`

	// ParsePatterns says each Output.Pattern is a string of JSON
	// to parse, rather than already-structured data.
	ParsePatterns bool `json:"parsePatterns,omitempty" yaml:"parsePatterns,omitempty"`

	// DefaultTimeout is the default timeout for each IO.  An IO
	// with no timeout at all will wait forever for its outputs.
	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty" yaml:"defaultTimeout,omitempty"`

	// ShowStderr logs the subprocess's stderr (Run only).
	ShowStderr bool `json:"showStderr,omitempty" yaml:"showStderr,omitempty"`

	ShowStdin bool `json:"showStdin,omitempty" yaml:"showStdin,omitempty"`

	ShowStdout bool `json:"showStdout,omitempty" yaml:"showStdout,omitempty"`

	Verbose bool `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

// LoadSession reads a Session from a YAML file (with Inline()ing).
func LoadSession(filename string) (*Session, error) {
	bs, err := ReadFileWithInlines(filename)
	if err != nil {
		return nil, err
	}
	var s Session
	if err = yaml.Unmarshal(bs, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

var errTimeout = errors.New("timeout")

// Run starts the subprocess given by the args (after changing to dir,
// if not empty) and runs the session against its stdin and stdout.
func (s *Session) Run(ctx context.Context, dir string, args ...string) error {

	if dir != "" {
		if err := os.Chdir(dir); err != nil {
			return err
		}
	}

	cmd := exec.Command(args[0], args[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	defer stdin.Close()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	defer stdout.Close()

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	defer stderr.Close()

	if err := cmd.Start(); err != nil {
		return err
	}

	go func() {
		out := bufio.NewReader(stderr)
		for {
			line, err := out.ReadBytes('\n')
			if err != nil {
				return
			}
			if s.ShowStderr {
				log.Printf("expect stderr %s", line)
			}
		}
	}()

	if err := s.RunIO(ctx, stdin, stdout); err != nil {
		return err
	}

	if err := stdin.Close(); err != nil {
		log.Printf("expect stdin.Close() error %s", err)
	}

	return cmd.Wait()
}

// RunIO runs the session against the given writer (the service's
// input) and reader (the service's output), which usually belong to
// a live connection.
func (s *Session) RunIO(ctx context.Context, in io.Writer, from io.Reader) error {
	var (
		out     = bufio.NewReader(from)
		newline = []byte{'\n'}
		happy   = errors.New("happy")
	)

	for _, iop := range s.IOs {

		timeout := iop.Timeout
		if timeout == 0 {
			timeout = s.DefaultTimeout
		}

		var (
			timer *time.Timer
			errs  = make(chan error, 3)
		)

		if 0 < timeout {
			timer = time.AfterFunc(timeout, func() {
				errs <- errTimeout
			})
		}

		// Watch the service's output for the required messages.
		go func(iop *IO) {
			f := func() error {
				need := 0
				for _, o := range iop.OutputSet {
					o.Bindingss = nil
					need++
				}
				if need == 0 {
					return nil
				}

				for {
					line, err := out.ReadBytes('\n')
					if err != nil {
						return err
					}

					if s.ShowStdout {
						log.Printf("expect out %s", line)
					}

					var message interface{}
					if err = json.Unmarshal(line, &message); err != nil {
						// Non-JSON chatter (prompts,
						// banners) doesn't count.
						continue
					}

					for _, o := range iop.OutputSet {
						if o.Bindingss != nil {
							continue
						}
						pattern := o.Pattern
						if s.ParsePatterns {
							js, is := pattern.(string)
							if !is {
								return errors.New("parsePatterns wants string patterns")
							}
							if err = json.Unmarshal([]byte(js), &pattern); err != nil {
								return err
							}
						}
						bss, err := match.Match(pattern, message, nil)
						if err != nil {
							return err
						}
						if bss == nil {
							continue
						}
						o.Bindingss = bss
						need--
					}
					if need == 0 {
						return nil
					}
				}
			}

			if err := f(); err == nil {
				errs <- happy
			} else {
				errs <- err
			}
		}(iop)

		// Feed the inputs.
		go func(iop *IO) {
			f := func() error {
				s.pause("waitBefore", iop.WaitBefore)

				for i, input := range iop.Inputs {
					if 0 < i {
						s.pause("waitBetween", iop.WaitBetween)
					}

					if s.ShowStdin {
						log.Printf("expect in %s", input)
					}

					if _, err := in.Write([]byte(input)); err != nil {
						return err
					}
					if _, err := in.Write(newline); err != nil {
						return err
					}
				}

				s.pause("waitAfter", iop.WaitAfter)
				return nil
			}

			if err := f(); err == nil {
				errs <- happy
			} else {
				errs <- err
			}
		}(iop)

		happies := 0
	LOOP:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-errs:
				if err != happy {
					if timer != nil {
						timer.Stop()
					}
					return err
				}
				happies++
				if 2 <= happies {
					break LOOP
				}
			}
		}

		if timer != nil {
			timer.Stop()
		}
	}

	return nil
}

func (s *Session) pause(why string, d time.Duration) {
	if 0 < d {
		if s.Verbose {
			log.Printf("expect pause %s %s", why, d)
		}
		time.Sleep(d)
	}
}
