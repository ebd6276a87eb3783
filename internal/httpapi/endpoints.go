package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/pcfd/api"
	"pkt.systems/pcfd/internal/checkpoint"
	"pkt.systems/pcfd/internal/history"
	"pkt.systems/pcfd/internal/lifecycle"
	"pkt.systems/pcfd/internal/pcq"
)

func (h *Handler) handleCheckpoint(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	principal, ok := principalFromContext(r.Context())
	if !ok {
		return httpError{Status: http.StatusUnauthorized, Code: "AuthenticationFailed", Detail: "no principal"}
	}
	var payload api.CheckpointRequest
	if err := h.decodeJSONBody(w, r, &payload); err != nil {
		return err
	}

	res, err := h.engine.Checkpoint(r.Context(), checkpointArgs(principal, payload))
	if err != nil {
		return convertEngineError(err)
	}
	headers := map[string]string{}
	if res.DeferredDeleteDelay > 0 {
		headers[headerCheckpointDelay] = formatSeconds(res.DeferredDeleteDelay)
	}
	h.writeJSON(w, http.StatusOK, api.CheckpointResponse{LeaseReceipt: res.LeaseReceipt}, headers)
	return nil
}

func (h *Handler) handleCheckpointBatch(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	principal, ok := principalFromContext(r.Context())
	if !ok {
		return httpError{Status: http.StatusUnauthorized, Code: "AuthenticationFailed", Detail: "no principal"}
	}
	var payload api.BatchCheckpointRequest
	if err := h.decodeJSONBody(w, r, &payload); err != nil {
		return err
	}

	items := make([]checkpoint.Args, len(payload.Checkpoints))
	for i, item := range payload.Checkpoints {
		items[i] = checkpointArgs(principal, item)
	}
	results, berr := h.engine.CheckpointBatch(r.Context(), items)
	if berr != nil {
		return convertEngineError(berr)
	}

	resp := api.BatchCheckpointResponse{Results: make([]api.BatchCheckpointResult, len(results))}
	var maxDelay time.Duration
	for i, res := range results {
		out := api.BatchCheckpointResult{
			CommandID:    res.CommandID,
			LeaseReceipt: res.LeaseReceipt,
		}
		if res.Err != nil {
			out.Error = &api.ErrorResponse{
				ErrorCode: string(res.Err.Code),
				Message:   res.Err.Detail,
			}
		}
		if res.DeferredDeleteDelay > maxDelay {
			maxDelay = res.DeferredDeleteDelay
		}
		resp.Results[i] = out
	}
	headers := map[string]string{}
	if maxDelay > 0 {
		headers[headerCheckpointDelay] = formatSeconds(maxDelay)
	}
	h.writeJSON(w, http.StatusOK, resp, headers)
	return nil
}

func (h *Handler) handleGetCommands(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	ctx := r.Context()
	principal, ok := principalFromContext(ctx)
	if !ok {
		return httpError{Status: http.StatusUnauthorized, Code: "AuthenticationFailed", Detail: "no principal"}
	}

	var lease time.Duration
	if raw := strings.TrimSpace(r.Header.Get(headerLeaseDuration)); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs < 0 {
			return httpError{
				Status: http.StatusBadRequest,
				Code:   "InvalidLeaseExtension",
				Detail: "x-lease-duration-seconds must be a non-negative integer",
			}
		}
		lease = time.Duration(secs) * time.Second
	}
	if cv := strings.TrimSpace(r.Header.Get(headerClientVersion)); cv != "" {
		if logger := pslog.LoggerFromContext(ctx); logger != nil {
			logger.Trace("getcommands.client_version", "client_version", cv)
		}
	}

	popped, err := h.engine.GetCommands(ctx, principal.AgentID, lease, h.maxCommands)
	if err != nil {
		return convertEngineError(err)
	}

	var resp api.GetCommandsResponse
	for _, pc := range popped {
		cmd := toAPICommand(pc.Command, pc.LeaseReceipt)
		switch pc.Command.Type {
		case pcq.CommandTypeDelete:
			resp.DeleteCommands = append(resp.DeleteCommands, cmd)
		case pcq.CommandTypeExport:
			resp.ExportCommands = append(resp.ExportCommands, cmd)
		case pcq.CommandTypeAccountClose:
			resp.AccountCloseCommands = append(resp.AccountCloseCommands, cmd)
		case pcq.CommandTypeAgeOut:
			resp.AgeOutCommands = append(resp.AgeOutCommands, cmd)
		}
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleQueryCommand(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	principal, ok := principalFromContext(r.Context())
	if !ok {
		return httpError{Status: http.StatusUnauthorized, Code: "AuthenticationFailed", Detail: "no principal"}
	}
	var payload api.QueryCommandRequest
	if err := h.decodeJSONBody(w, r, &payload); err != nil {
		return err
	}
	cmd, err := h.engine.QueryCommand(r.Context(), principal.AgentID, payload.LeaseReceipt)
	if err != nil {
		return convertEngineError(err)
	}
	out := toAPICommand(cmd, payload.LeaseReceipt)
	h.writeJSON(w, http.StatusOK, api.QueryCommandResponse{Command: &out}, nil)
	return nil
}

func (h *Handler) handleCommandStatus(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	raw := strings.TrimSpace(r.URL.Query().Get("commandId"))
	if raw == "" {
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "InvalidCommandId",
			Detail: "commandId query parameter is required",
		}
	}
	commandID, err := pcq.ParseCommandID(raw)
	if err != nil {
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "InvalidCommandId",
			Detail: "commandId is not a valid identifier",
		}
	}
	record, err := h.engine.CommandStatus(r.Context(), commandID)
	if err != nil {
		return convertEngineError(err)
	}
	// Unknown ids are a successful empty result on the read path.
	if record == nil {
		h.writeJSON(w, http.StatusOK, api.CommandStatusResponse{}, nil)
		return nil
	}
	h.writeJSON(w, http.StatusOK, toAPIStatus(record), nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, nil)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			return httpError{
				Status: http.StatusServiceUnavailable,
				Code:   "NotReady",
				Detail: err.Error(),
			}
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, nil)
	return nil
}

func checkpointArgs(principal Principal, payload api.CheckpointRequest) checkpoint.Args {
	args := checkpoint.Args{
		AgentID:              principal.AgentID,
		LeaseReceipt:         payload.LeaseReceipt,
		Status:               payload.Status,
		AgentState:           payload.AgentState,
		LeaseExtension:       time.Duration(payload.LeaseExtensionSeconds) * time.Second,
		Variants:             payload.Variants,
		NonTransientFailures: payload.NonTransientFailures,
	}
	for _, f := range payload.ExportedFileSizeDetails {
		args.ExportedFileSizes = append(args.ExportedFileSizes, lifecycle.FileSizeDetail{
			OriginalSize:   f.OriginalSize,
			CompressedSize: f.CompressedSize,
			IsCompressed:   f.IsCompressed,
		})
	}
	return args
}

func toAPICommand(cmd *pcq.Command, leaseReceipt string) api.Command {
	return api.Command{
		CommandID:       cmd.ID.String(),
		CommandType:     cmd.Type.String(),
		AssetGroupID:    cmd.AssetGroupID.String(),
		SubjectType:     cmd.Subject.Type.String(),
		SubjectIdentity: cmd.Subject.Identity,
		CreatedAt:       cmd.CreatedAt,
		NextVisibleTime: cmd.NextVisibleTime,
		AgentState:      cmd.AgentState,
		LeaseReceipt:    leaseReceipt,
	}
}

func toAPIStatus(record *history.Record) api.CommandStatusResponse {
	resp := api.CommandStatusResponse{
		CommandID:   record.CommandID.String(),
		CommandType: record.CommandType.String(),
		SubjectType: record.Subject.Type.String(),
	}
	if !record.CreatedAt.IsZero() {
		created := record.CreatedAt
		resp.CreatedAt = &created
	}
	for _, ag := range record.AssetGroups {
		resp.AssetGroups = append(resp.AssetGroups, api.AssetGroupCompletionStatus{
			AssetGroupID:   ag.AssetGroupID.String(),
			CompletedAt:    ag.CompletedAt,
			ForceCompleted: ag.ForceCompleted,
			Deidentified:   ag.Deidentified,
		})
	}
	return resp
}

func formatSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
