package main

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/Comcast/loom/tools"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestListenSession drives the line protocol end to end with the
// expect harness, the way a scripted client would.
func TestListenSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestService()

	op := &Op{AddSpec: &AddSpecOp{Source: ticketSpec}}
	require.NoError(t, op.Do(ctx, s))

	serviceIn, clientOut := io.Pipe()
	clientIn, serviceOut := io.Pipe()

	go func() {
		s.Listen(ctx, bufio.NewReader(serviceIn), serviceOut, nil)
		serviceOut.Close()
	}()

	session := &tools.Session{
		IOs: []*tools.IO{
			{
				Inputs: []string{"json"},
				OutputSet: []*tools.Output{
					{Pattern: "okay"},
				},
			},
			{
				Inputs: []string{`{"oid":"1","launch":{"specId":"tickets"}}`},
				OutputSet: []*tools.Output{
					{Pattern: map[string]interface{}{
						"oid": "1",
						"result": map[string]interface{}{
							"caseId": "?c",
						},
					}},
				},
			},
		},
		DefaultTimeout: 10 * time.Second,
	}

	require.NoError(t, session.RunIO(ctx, clientOut, clientIn))

	bss := session.IOs[1].OutputSet[0].Bindingss
	require.Len(t, bss, 1)
	assert.NotEmpty(t, bss[0]["?c"])
}
