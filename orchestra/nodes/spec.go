package nodes

import (
	"time"

	"github.com/orchestra-ai/orchestra-go/orchestra"
	"github.com/orchestra-ai/orchestra-go/orchestra/broadcast"
	"github.com/orchestra-ai/orchestra-go/orchestra/capability"
)

// Defaults returns the descriptors for the scaffold node set, ready for
// registration. The confidence floor feeds the intent classifier. The
// summary agent declares the chat model capability only when the supplied
// map carries one, so deployments without an LLM still register cleanly.
func Defaults(caps capability.Map, floor float64) []orchestra.Descriptor {
	summaryCaps := []string{capability.DataRepository}
	if caps.Has(capability.ChatModel) {
		summaryCaps = append(summaryCaps, capability.ChatModel)
	}

	return []orchestra.Descriptor{
		{
			Name:              NodeIntent,
			Kind:              orchestra.KindSystem,
			RequiredPrivilege: orchestra.PrivilegeStandard,
			Enabled:           true,
			Action:            broadcast.ActionIntentIdentify,
			Impl:              NewIntent(floor),
		},
		{
			Name:              NodeReasoning,
			Kind:              orchestra.KindSystem,
			RequiredPrivilege: orchestra.PrivilegeStandard,
			Enabled:           true,
			Action:            broadcast.ActionReasoningPlan,
			Impl:              NewReasoning(),
		},
		{
			Name:              NodeRouter,
			Kind:              orchestra.KindSystem,
			RequiredPrivilege: orchestra.PrivilegeStandard,
			Enabled:           true,
			Action:            broadcast.ActionRouteSelect,
			Impl:              NewRouter(),
		},
		{
			Name:                 NodeSummary,
			Kind:                 orchestra.KindAgent,
			RequiredPrivilege:    orchestra.PrivilegeStandard,
			Enabled:              true,
			RequiredCapabilities: summaryCaps,
			Action:               broadcast.ActionSummaryGeneration,
			Retry: &orchestra.RetryPolicy{
				MaxAttempts: 3,
				BaseDelay:   50 * time.Millisecond,
				MaxDelay:    time.Second,
			},
			Impl: NewSummary(),
		},
		{
			Name:              NodeSmalltalk,
			Kind:              orchestra.KindAgent,
			RequiredPrivilege: orchestra.PrivilegeStandard,
			Enabled:           true,
			Action:            broadcast.ActionSmalltalk,
			Impl:              NewSmalltalk(),
		},
		{
			Name:              NodeHumanGate,
			Kind:              orchestra.KindGate,
			RequiredPrivilege: orchestra.PrivilegeStandard,
			Enabled:           true,
			SideEffecting:     true,
			Action:            broadcast.ActionHumanGateWait,
			Impl:              NewHumanGate(DefaultGateReason),
		},
		{
			Name:              NodeAssemble,
			Kind:              orchestra.KindSystem,
			RequiredPrivilege: orchestra.PrivilegeStandard,
			Enabled:           true,
			Action:            broadcast.ActionAssembleResponse,
			Impl:              NewAssemble(),
		},
	}
}

// DefaultSpec wires the scaffold nodes into the standard graph:
//
//	intent -> reasoning -> router -> (summary | human_gate | smalltalk)
//	       -> assemble -> finalize
//
// Intent classified as smalltalk bypasses planning and routing. The human
// gate resumes into assemble once approved.
func DefaultSpec() orchestra.Spec {
	return orchestra.Spec{
		Entry: NodeIntent,
		Nodes: []string{
			NodeIntent, NodeReasoning, NodeRouter,
			NodeSummary, NodeSmalltalk, NodeHumanGate, NodeAssemble,
		},
		Edges: []orchestra.Edge{
			{From: NodeReasoning, To: NodeRouter},
			{From: NodeSummary, To: NodeAssemble},
			{From: NodeSmalltalk, To: NodeAssemble},
			{From: NodeHumanGate, To: NodeAssemble},
			{From: NodeAssemble, To: orchestra.TerminalFinalize},
		},
		Conditionals: map[string]orchestra.Conditional{
			NodeIntent: func(st orchestra.GraphState) string {
				if st.Intent == orchestra.IntentSmalltalk {
					return NodeSmalltalk
				}
				return NodeReasoning
			},
			NodeRouter: func(st orchestra.GraphState) string {
				if st.RoutingDecision != "" {
					return st.RoutingDecision
				}
				return NodeSmalltalk
			},
		},
	}
}
