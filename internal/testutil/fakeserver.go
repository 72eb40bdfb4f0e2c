package testutil

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Server faults selectable with FAKE_SERVER_FAULT.
const (
	FaultBadID     = "bad_id"    // answer every request with an unknown id
	FaultHang      = "hang"      // never answer tools/call
	FaultGarbage   = "garbage"   // answer tools/list with a non-JSON line
	FaultNotify    = "notify"    // emit a notification before every response
	FaultDuplicate = "duplicate" // send every response twice
	FaultExit      = "exit"      // exit when tools/list arrives
)

// FakeServerName is the serverInfo.name the fake reports.
const FakeServerName = "mcp-context-server"

type fakeRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type fakeRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type fakeResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *fakeRPCError   `json:"error,omitempty"`
}

type fakeTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type fakeContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type fakeToolResult struct {
	Content []fakeContent `json:"content"`
	IsError bool          `json:"isError"`
}

var fakeTools = []fakeTool{
	{
		Name:        "context.resolve",
		Description: "Select documents from a cache for a query within a token budget",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"cache", "query", "budget"},
		},
	},
	{
		Name:        "context.list_caches",
		Description: "List caches under the cache root",
		InputSchema: map[string]any{"type": "object"},
	},
	{
		Name:        "context.inspect_cache",
		Description: "Report cache metadata and validity",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"cache"},
		},
	},
}

func fakeServer(stdin io.Reader, stdout, stderr io.Writer, fault string) int {
	root := os.Getenv("CONTEXT_CACHE_ROOT")
	r := bufio.NewReader(stdin)
	w := bufio.NewWriter(stdout)

	send := func(v any) {
		data, _ := json.Marshal(v)
		w.Write(data)
		w.WriteByte('\n')
	}

	for {
		line, err := r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return 0
		}

		var req fakeRequest
		if jerr := json.Unmarshal(line, &req); jerr != nil {
			send(fakeResponse{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &fakeRPCError{Code: -32700, Message: "Parse error"}})
			w.Flush()
			continue
		}
		if len(req.ID) == 0 {
			// Notification: no response.
			continue
		}

		switch {
		case fault == FaultHang && req.Method == "tools/call":
			continue
		case fault == FaultExit && req.Method == "tools/list":
			w.Flush()
			return 0
		case fault == FaultGarbage && req.Method == "tools/list":
			w.WriteString("this is not json\n")
			w.Flush()
			continue
		}

		resp := fakeResponse{JSONRPC: "2.0", ID: req.ID}
		resp.Result, resp.Error = handleFakeRequest(root, req)
		if fault == FaultBadID {
			resp.ID = json.RawMessage(strconv.Quote("unknown-id"))
		}
		if fault == FaultNotify {
			send(map[string]any{
				"jsonrpc": "2.0",
				"method":  "notifications/message",
				"params":  map[string]string{"level": "info", "data": req.Method},
			})
		}
		send(resp)
		if fault == FaultDuplicate {
			send(resp)
		}
		if err := w.Flush(); err != nil {
			fmt.Fprintf(stderr, "write: %v\n", err)
			return 1
		}
	}
}

func handleFakeRequest(root string, req fakeRequest) (any, *fakeRPCError) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]string{"name": FakeServerName, "version": "0.1.0"},
		}, nil
	case "tools/list":
		return map[string]any{"tools": fakeTools}, nil
	case "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &fakeRPCError{Code: -32602, Message: "Invalid params"}
		}
		return callFakeTool(root, p.Name, p.Arguments)
	default:
		return nil, &fakeRPCError{Code: -32601, Message: "Method not found"}
	}
}

func callFakeTool(root, name string, raw json.RawMessage) (any, *fakeRPCError) {
	var args struct {
		Cache  string          `json:"cache"`
		Query  string          `json:"query"`
		Budget json.RawMessage `json:"budget"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, &fakeRPCError{Code: -32602, Message: "Invalid params"}
		}
	}

	var (
		out []byte
		err error
	)
	switch name {
	case "context.resolve":
		budget := string(args.Budget)
		if budget == "" {
			budget = "4000"
		}
		out, err = FakeResolve(filepath.Join(root, args.Cache), args.Query, budget, Variant{})
	case "context.inspect_cache":
		out, err = FakeInspect(filepath.Join(root, args.Cache))
	case "context.list_caches":
		out, err = listFakeCaches(root)
	default:
		return nil, &fakeRPCError{Code: -32602, Message: fmt.Sprintf("Unknown tool: %s", name)}
	}

	if err != nil {
		var ee *engineError
		if !errors.As(err, &ee) {
			ee = &engineError{code: 7, msg: err.Error()}
		}
		body, _ := json.Marshal(map[string]fakeErrorBody{
			"error": {Code: fakeErrorCodes[ee.code], Message: ee.msg},
		})
		return fakeToolResult{Content: []fakeContent{{Type: "text", Text: string(body)}}, IsError: true}, nil
	}
	return fakeToolResult{Content: []fakeContent{{Type: "text", Text: string(out)}}}, nil
}

func listFakeCaches(root string) ([]byte, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, &engineError{code: fakeExitIO, msg: err.Error()}
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return json.Marshal(map[string][]string{"caches": names})
}
