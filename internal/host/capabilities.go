package host

import (
	"context"
	"encoding/json"

	"github.com/agentdeck/host/internal/acp"
	apperrors "github.com/agentdeck/host/internal/errors"
	"github.com/agentdeck/host/internal/permission"
	"github.com/agentdeck/host/internal/rpc"
)

// Parameter shapes for the permissionRules surface. The rule itself reuses
// the store's JSON form.
type ruleUpdateParams struct {
	ID string `json:"id"`
	permission.RulePatch
}

type ruleRefParams struct {
	ID string `json:"id"`
}

type rulesListResult struct {
	Rules []permission.Rule `json:"rules"`
}

// registerCapabilities installs the agent-facing method surface. Every
// handler is gated on the initialize handshake having completed.
func (h *Host) registerCapabilities(registry *rpc.Registry) {
	register := func(method string, fn rpc.Handler) {
		registry.Register(method, func(ctx context.Context, params json.RawMessage) (any, error) {
			if err := h.ensureInitialized(method); err != nil {
				return nil, err
			}
			return fn(ctx, params)
		})
	}

	register(acp.MethodFSReadTextFile, h.handleReadTextFile)
	register(acp.MethodFSWriteTextFile, h.handleWriteTextFile)

	register(acp.MethodTerminalCreate, h.handleTerminalCreate)
	register(acp.MethodTerminalOutput, h.handleTerminalOutput)
	register(acp.MethodTerminalWaitForExit, h.handleTerminalWaitForExit)
	register(acp.MethodTerminalKill, h.handleTerminalKill)
	register(acp.MethodTerminalRelease, h.handleTerminalRelease)

	// LSP stubs: the host performs no language-server work, it only keeps
	// the surface answerable so agents can probe it.
	register(acp.MethodLSPGoToDefinition, handleLSPLocations)
	register(acp.MethodLSPFindReferences, handleLSPLocations)
	register(acp.MethodLSPHover, handleLSPHover)
	register(acp.MethodLSPGetDiagnostics, handleLSPDiagnostics)

	register(acp.MethodPermissionRulesList, h.handleRulesList)
	register(acp.MethodPermissionRulesAdd, h.handleRulesAdd)
	register(acp.MethodPermissionRulesUpdate, h.handleRulesUpdate)
	register(acp.MethodPermissionRulesDelete, h.handleRulesDelete)
}

func (h *Host) handleReadTextFile(_ context.Context, params json.RawMessage) (any, error) {
	var p acp.ReadTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed fs/readTextFile params", err)
	}
	line, limit := 0, 0
	if p.Line != nil {
		line = *p.Line
	}
	if p.Limit != nil {
		limit = *p.Limit
	}
	content, err := h.workspace.ReadTextFile(p.Path, line, limit)
	if err != nil {
		return nil, err
	}
	return acp.ReadTextFileResult{Content: content}, nil
}

func (h *Host) handleWriteTextFile(_ context.Context, params json.RawMessage) (any, error) {
	var p acp.WriteTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed fs/writeTextFile params", err)
	}
	if err := h.workspace.WriteTextFile(p.Path, p.Content); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (h *Host) handleTerminalCreate(_ context.Context, params json.RawMessage) (any, error) {
	var p acp.TerminalCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed terminal/create params", err)
	}

	cwd := h.workspace.Root()
	if p.Cwd != "" {
		resolved, err := h.workspace.ResolvePath(p.Cwd)
		if err != nil {
			return nil, err
		}
		cwd = resolved
	}

	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}

	handle, err := h.terminals.Create(p.Command, p.Args, cwd, env)
	if err != nil {
		return nil, err
	}
	return acp.TerminalCreateResult{TerminalID: handle.ID}, nil
}

func (h *Host) handleTerminalOutput(_ context.Context, params json.RawMessage) (any, error) {
	var p acp.TerminalOutputParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed terminal/output params", err)
	}
	handle, err := h.terminals.Get(p.TerminalID)
	if err != nil {
		return nil, err
	}
	output, exitCode, signal, truncated := handle.Read(p.ByteLimit)
	return acp.TerminalOutputResult{
		Output:    output,
		ExitCode:  exitCode,
		Signal:    signal,
		Truncated: truncated,
	}, nil
}

func (h *Host) handleTerminalWaitForExit(ctx context.Context, params json.RawMessage) (any, error) {
	var p acp.TerminalRefParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed terminal/waitForExit params", err)
	}
	handle, err := h.terminals.Get(p.TerminalID)
	if err != nil {
		return nil, err
	}
	result, err := handle.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return acp.TerminalExitResult{ExitCode: result.ExitCode, Signal: result.Signal}, nil
}

func (h *Host) handleTerminalKill(_ context.Context, params json.RawMessage) (any, error) {
	var p acp.TerminalRefParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed terminal/kill params", err)
	}
	handle, err := h.terminals.Get(p.TerminalID)
	if err != nil {
		return nil, err
	}
	if err := handle.Kill(p.Signal); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (h *Host) handleTerminalRelease(_ context.Context, params json.RawMessage) (any, error) {
	var p acp.TerminalRefParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed terminal/release params", err)
	}
	if err := h.terminals.Release(p.TerminalID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func handleLSPLocations(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"locations": []any{}}, nil
}

func handleLSPHover(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"contents": nil}, nil
}

func handleLSPDiagnostics(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"diagnostics": []any{}}, nil
}

func (h *Host) handleRulesList(_ context.Context, _ json.RawMessage) (any, error) {
	return rulesListResult{Rules: h.Rules().List()}, nil
}

func (h *Host) handleRulesAdd(_ context.Context, params json.RawMessage) (any, error) {
	var rule permission.Rule
	if err := json.Unmarshal(params, &rule); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed permissionRules/add params", err)
	}
	added, err := h.Rules().Add(rule)
	if err != nil {
		return nil, err
	}
	return added, nil
}

func (h *Host) handleRulesUpdate(_ context.Context, params json.RawMessage) (any, error) {
	var p ruleUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed permissionRules/update params", err)
	}
	updated, err := h.Rules().Update(p.ID, p.RulePatch)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (h *Host) handleRulesDelete(_ context.Context, params json.RawMessage) (any, error) {
	var p ruleRefParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRPCInvalidParams, "malformed permissionRules/delete params", err)
	}
	if err := h.Rules().Delete(p.ID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
