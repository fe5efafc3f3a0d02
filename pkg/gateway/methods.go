package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/hakim/helmsman/pkg/orchestrator"
)

// registerMethods binds the agent lifecycle onto the RPC router.
func (s *Server) registerMethods() error {
	methods := map[string]RequestHandler{
		"agent.launch":          s.handleLaunch,
		"agent.requestApproval": s.handleRequestApproval,
		"agent.followUp":        s.handleFollowUp,
		"agent.relaunch":        s.handleRelaunch,
		"agent.cancel":          s.handleCancel,
		"agent.answerQuestion":  s.handleAnswerQuestion,
		"agent.answerApproval":  s.handleAnswerApproval,
		"agent.archive":         s.handleArchive,
		"agent.get":             s.handleGet,
		"agent.list":            s.handleList,
		"system.status":         s.handleStatus,
	}
	for name, handler := range methods {
		if err := s.router.Register(name, handler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleLaunch(params map[string]interface{}) (interface{}, error) {
	task, err := stringParam(params, "task", true)
	if err != nil {
		return nil, err
	}
	taskID, _ := stringParam(params, "taskId", false)
	taskContext, _ := stringParam(params, "taskContext", false)
	sessionID, _ := stringParam(params, "sessionId", false)
	token, _ := stringParam(params, "approvalToken", false)

	rec, err := s.orch.Launch(context.Background(), orchestrator.LaunchParams{
		TaskID:        taskID,
		Task:          task,
		TaskContext:   taskContext,
		SessionID:     sessionID,
		ApprovalToken: token,
		AutoApprove:   boolParam(params, "autoApprove"),
	})
	if errors.Is(err, orchestrator.ErrApprovalRequired) {
		return nil, &RPCError{
			Code:    ApprovalRequired,
			Message: "Launch requires approval",
			Data:    map[string]string{"taskId": taskID},
		}
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// handleRequestApproval issues a single-use launch grant for a task. The
// client presents the token back on agent.launch once the user confirms.
func (s *Server) handleRequestApproval(params map[string]interface{}) (interface{}, error) {
	taskID, err := stringParam(params, "taskId", true)
	if err != nil {
		return nil, err
	}
	token := s.orch.Grants().Issue(taskID)
	return map[string]interface{}{"token": token}, nil
}

func (s *Server) handleFollowUp(params map[string]interface{}) (interface{}, error) {
	agentID, err := stringParam(params, "agentId", true)
	if err != nil {
		return nil, err
	}
	message, err := stringParam(params, "message", true)
	if err != nil {
		return nil, err
	}
	return s.orch.FollowUp(context.Background(), agentID, message)
}

func (s *Server) handleRelaunch(params map[string]interface{}) (interface{}, error) {
	agentID, err := stringParam(params, "agentId", true)
	if err != nil {
		return nil, err
	}
	return s.orch.Relaunch(context.Background(), agentID)
}

func (s *Server) handleCancel(params map[string]interface{}) (interface{}, error) {
	agentID, err := stringParam(params, "agentId", true)
	if err != nil {
		return nil, err
	}
	if err := s.orch.Cancel(agentID); err != nil {
		return nil, err
	}
	return map[string]bool{"cancelled": true}, nil
}

func (s *Server) handleAnswerQuestion(params map[string]interface{}) (interface{}, error) {
	agentID, err := stringParam(params, "agentId", true)
	if err != nil {
		return nil, err
	}
	raw, ok := params["answers"].(map[string]interface{})
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "answers must be an object"}
	}
	answers := make(map[string]string, len(raw))
	for k, v := range raw {
		answers[k] = fmt.Sprint(v)
	}
	if err := s.orch.AnswerQuestion(agentID, answers); err != nil {
		return nil, err
	}
	return map[string]bool{"delivered": true}, nil
}

func (s *Server) handleAnswerApproval(params map[string]interface{}) (interface{}, error) {
	agentID, err := stringParam(params, "agentId", true)
	if err != nil {
		return nil, err
	}
	reason, _ := stringParam(params, "reason", false)
	if err := s.orch.AnswerToolApproval(agentID, boolParam(params, "approved"), reason); err != nil {
		return nil, err
	}
	return map[string]bool{"delivered": true}, nil
}

func (s *Server) handleArchive(params map[string]interface{}) (interface{}, error) {
	agentID, err := stringParam(params, "agentId", true)
	if err != nil {
		return nil, err
	}
	if err := s.orch.Archive(agentID); err != nil {
		return nil, err
	}
	return map[string]bool{"archived": true}, nil
}

func (s *Server) handleGet(params map[string]interface{}) (interface{}, error) {
	agentID, err := stringParam(params, "agentId", true)
	if err != nil {
		return nil, err
	}
	return s.orch.GetAgent(agentID)
}

func (s *Server) handleList(params map[string]interface{}) (interface{}, error) {
	if sessionID, _ := stringParam(params, "sessionId", false); sessionID != "" {
		return s.orch.GetAgentsForSession(sessionID)
	}
	return s.orch.GetAllAgents()
}

func (s *Server) handleStatus(_ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"connectedClients": s.clients.count(),
		"clients":          s.clients.info(),
	}, nil
}

func stringParam(params map[string]interface{}, key string, required bool) (string, error) {
	v, ok := params[key]
	if !ok {
		if required {
			return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("missing required param: %s", key)}
		}
		return "", nil
	}
	str, ok := v.(string)
	if !ok {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("param %s must be a string", key)}
	}
	if required && str == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("param %s cannot be empty", key)}
	}
	return str, nil
}

func boolParam(params map[string]interface{}, key string) bool {
	v, _ := params[key].(bool)
	return v
}
