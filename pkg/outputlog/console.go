/*
Copyright 2025 The Drasi Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package outputlog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/drasi-project/test-run-host/pkg/records"
)

const defaultDateTimeFormat = "2006-01-02 15:04:05.000"

// Console prints a human-readable line per record.
type Console struct {
	timeFormat string
	out        io.Writer
}

func NewConsole(timeFormat string) *Console {
	if timeFormat == "" {
		timeFormat = defaultDateTimeFormat
	}
	return &Console{timeFormat: timeFormat, out: os.Stdout}
}

func (c *Console) LogRecord(rec *records.HandlerRecord) error {
	now := time.Now().Format(c.timeFormat)

	switch {
	case rec.Payload.ResultStream != nil:
		qr := rec.Payload.ResultStream.QueryResult
		fmt.Fprintf(c.out, "[%s] Query Result - ID: %s, Seq: %d, Kind: %s, Query: %s\n",
			now, rec.ID, rec.Sequence, qr.Kind, qr.QueryID)
	case rec.Payload.ReactionInvocation != nil:
		inv := rec.Payload.ReactionInvocation
		fmt.Fprintf(c.out, "[%s] Reaction Invocation - ID: %s, Seq: %d, Type: %s, Query: %s, Method: %s %s\n",
			now, rec.ID, rec.Sequence, inv.ReactionType, inv.QueryID, inv.RequestMethod, inv.RequestPath)
		if len(inv.RequestBody) > 0 {
			fmt.Fprintf(c.out, "  Request Body: %s\n", string(inv.RequestBody))
		}
		if len(inv.Headers) > 0 {
			fmt.Fprintf(c.out, "  Headers: %v\n", inv.Headers)
		}
	case rec.Payload.ReactionOutput != nil:
		fmt.Fprintf(c.out, "[%s] Reaction Output - ID: %s, Seq: %d, Output: %s\n",
			now, rec.ID, rec.Sequence, string(rec.Payload.ReactionOutput.ReactionOutput))
	}
	return nil
}

func (c *Console) EndTestRun() (Result, error) {
	return Result{HasOutput: false, LoggerName: KindConsole}, nil
}
