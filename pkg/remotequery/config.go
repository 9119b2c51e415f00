package remotequery

import (
	"flag"
	"time"

	"github.com/cortexproject/remotequery/pkg/remotequery/externaltables"
)

// Stage declares the processing stage a query is sent at.
type Stage int

const (
	StageComplete Stage = iota
	StageWithMergeableState
)

// Settings are the ambient configuration inputs the executor consumes
// (§6 "Configuration inputs"). They are registered with the standard
// library flag package, in the teacher's own Config.RegisterFlags
// idiom, rather than a bespoke parser.
type Settings struct {
	SkipUnavailableShards            bool
	UseHedgedRequests                bool
	EnableScalarSubqueryOptimization bool

	MaxExecutionTime    time.Duration
	TimeoutOverflowMode externaltables.TimeoutOverflowMode

	// TCPConnectTimeout and TCPReceiveTimeout are resolved at the
	// moment create_connections is invoked, never at executor
	// construction (§5 "Timeout semantics").
	TCPConnectTimeout time.Duration
	TCPReceiveTimeout time.Duration
}

// RegisterFlags registers every Settings field except
// TimeoutOverflowMode with f, using prefix as the flag namespace.
func (s *Settings) RegisterFlags(prefix string, f *flag.FlagSet) {
	f.BoolVar(&s.SkipUnavailableShards, prefix+"skip-unavailable-shards", false, "Treat an empty connection factory result as an empty result set instead of failing the query.")
	f.BoolVar(&s.UseHedgedRequests, prefix+"use-hedged-requests", false, "Race a duplicate query send against the primary connection set where the platform supports it.")
	f.BoolVar(&s.EnableScalarSubqueryOptimization, prefix+"enable-scalar-subquery-optimization", true, "Send resolved scalar subqueries to replicas after the main query.")
	f.DurationVar(&s.MaxExecutionTime, prefix+"max-execution-time", 0, "Maximum execution time enforced server-side and mirrored in the external-table limit transform. Zero disables the limit.")
	f.DurationVar(&s.TCPConnectTimeout, prefix+"tcp-connect-timeout", 5*time.Second, "TCP connect timeout used when creating connections.")
	f.DurationVar(&s.TCPReceiveTimeout, prefix+"tcp-receive-timeout", 0, "TCP receive timeout used when creating connections. Zero disables the deadline.")
}
