package logging

import "go.uber.org/zap"

// Field helpers keep key names consistent across packages.

func WorkflowID(id string) zap.Field {
	return zap.String("workflow_id", id)
}

func Step(name string) zap.Field {
	return zap.String("step", name)
}

func ApprovalID(id string) zap.Field {
	return zap.String("approval_id", id)
}

func Agent(name string) zap.Field {
	return zap.String("agent", name)
}

func Attempt(n int) zap.Field {
	return zap.Int("attempt", n)
}

func State(s string) zap.Field {
	return zap.String("state", s)
}
