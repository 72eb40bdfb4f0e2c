package suites

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/harness"
	"github.com/roach88/context-compat/internal/target"
)

// sessionGroup runs the steps of s in order on one server process.
func sessionGroup(s SessionSpec) harness.Group {
	g := harness.Group{
		Name:     "session/" + s.Name,
		Requires: []harness.Target{harness.TargetServer},
		Setup: func(ctx context.Context, env *harness.Env) error {
			_, err := env.StartMCP(ctx)
			return err
		},
	}
	for _, step := range s.Steps {
		g.Cases = append(g.Cases, harness.Case{
			Name: step.Name,
			Run: func(ctx context.Context, env *harness.Env) error {
				m := env.MCP()
				if m == nil {
					return harness.ErrSessionNotStarted
				}
				return runStep(ctx, env, m, step)
			},
		})
	}
	return g
}

func runStep(ctx context.Context, env *harness.Env, m *target.MCP, step StepSpec) error {
	switch step.Do {
	case StepInitialize:
		return stepInitialize(ctx, m, step)
	case StepToolsList:
		return stepToolsList(ctx, m, step)
	case StepToolCall:
		res, err := m.CallTool(ctx, step.Tool, arguments(step))
		if err != nil {
			return err
		}
		return checkToolResult(env, step, res)
	case StepMethodError:
		return stepMethodError(ctx, m, step)
	case StepStability:
		return stepStability(ctx, m, step)
	default:
		return fmt.Errorf("unknown step action %q", step.Do)
	}
}

func arguments(step StepSpec) map[string]any {
	if step.Arguments == nil {
		return map[string]any{}
	}
	return step.Arguments
}

func stepInitialize(ctx context.Context, m *target.MCP, step StepSpec) error {
	info, err := m.Initialize(ctx)
	if err != nil {
		return err
	}
	if info.ProtocolVersion != target.ProtocolVersion {
		return &harness.AssertionError{Check: "protocolVersion", Expected: target.ProtocolVersion, Actual: info.ProtocolVersion}
	}
	if step.ServerName != "" && info.ServerInfo.Name != step.ServerName {
		return &harness.AssertionError{Check: "serverInfo.name", Expected: step.ServerName, Actual: info.ServerInfo.Name}
	}
	return nil
}

func stepToolsList(ctx context.Context, m *target.MCP, step StepSpec) error {
	tools, err := m.ListTools(ctx)
	if err != nil {
		return err
	}
	if len(step.Tools) == 0 {
		if len(tools) == 0 {
			return &harness.AssertionError{Check: "tools", Expected: "at least one tool", Actual: "none"}
		}
		return nil
	}

	got := make([]string, len(tools))
	for i, t := range tools {
		got[i] = t.Name
	}
	want := append([]string(nil), step.Tools...)
	sort.Strings(got)
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return &harness.AssertionError{Check: "tools", Expected: strings.Join(want, ", "), Actual: strings.Join(got, ", ")}
	}
	return nil
}

func checkToolResult(env *harness.Env, step StepSpec, res *target.ToolResult) error {
	if res.IsError != step.IsError {
		return &harness.AssertionError{
			Check:    "isError",
			Expected: strconv.FormatBool(step.IsError),
			Actual:   strconv.FormatBool(res.IsError),
			Context:  "text: " + excerpt([]byte(res.Text())),
		}
	}
	text := []byte(res.Text())

	if step.Kind != "" {
		if err := validateOutput(env, step.Kind, text); err != nil {
			return err
		}
	}
	if step.ErrorCode != "" {
		raw, err := env.Validator.Lookup(text, "error.code")
		if err != nil {
			return lookupFailure("error.code", err)
		}
		var code string
		if err := json.Unmarshal(raw, &code); err != nil || code != step.ErrorCode {
			return &harness.AssertionError{Check: "error.code", Expected: step.ErrorCode, Actual: string(raw)}
		}
	}
	if step.Expected != "" {
		if err := compareExpected(env, step.Expected, string(compare.ModeTolerant), text); err != nil {
			return err
		}
	}
	return checkAssertions(env, text, step.Assert)
}

func stepMethodError(ctx context.Context, m *target.MCP, step StepSpec) error {
	resp, err := m.Session().Call(ctx, step.Method, map[string]any{})
	if err != nil {
		return err
	}
	rpcErr := resp.Error
	if rpcErr == nil {
		return &harness.AssertionError{
			Check:    step.Method,
			Expected: fmt.Sprintf("JSON-RPC error %d", step.RPCCode),
			Actual:   "result " + excerpt(resp.Result),
		}
	}
	if rpcErr.Code != step.RPCCode {
		return &harness.AssertionError{
			Check:    step.Method + " error code",
			Expected: strconv.Itoa(step.RPCCode),
			Actual:   strconv.Itoa(rpcErr.Code),
			Context:  rpcErr.Message,
		}
	}
	return nil
}

// stepStability sends the same tool call several times and requires
// byte-identical results.
func stepStability(ctx context.Context, m *target.MCP, step StepSpec) error {
	resps, err := m.Repeat(ctx, target.ToolCall(step.Tool, arguments(step)), step.Repeat)
	if err != nil {
		return err
	}
	var first []byte
	for i, resp := range resps {
		res, err := target.DecodeToolResult(resp)
		if err != nil {
			return fmt.Errorf("call %d: %w", i+1, err)
		}
		if res.IsError {
			return &harness.AssertionError{Check: fmt.Sprintf("call %d", i+1), Expected: "a successful result", Actual: excerpt([]byte(res.Text()))}
		}
		text := []byte(res.Text())
		if i == 0 {
			first = text
			continue
		}
		if err := compare.Compare(text, first, compare.Exact()); err != nil {
			return fmt.Errorf("call %d differs from call 1: %w", i+1, err)
		}
	}
	return nil
}
