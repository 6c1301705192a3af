package container

import "strings"

const subjectRoot = "semscope"

// rpcSubject carries the request/reply protocol of one container
func rpcSubject(container string) string {
	return subjectRoot + "." + container + ".rpc"
}

// attrSubject carries the changes of one hosted attribute
func attrSubject(container, object, member string) string {
	return strings.Join([]string{subjectRoot, container, "va", object, member}, ".")
}

// attrWildcard matches every attribute change of one hosted component
func attrWildcard(container, object string) string {
	return strings.Join([]string{subjectRoot, container, "va", object, ">"}, ".")
}

// eventSubject carries the triggers of one hosted event
func eventSubject(container, object, member string) string {
	return strings.Join([]string{subjectRoot, container, "ev", object, member}, ".")
}

// blockSubject carries the blocks of one remote dataflow subscription
func blockSubject(container, object, member, sub string) string {
	return strings.Join([]string{subjectRoot, container, "df", object, member, sub}, ".")
}

// futureSubject carries the state changes of one exported future
func futureSubject(container, id string) string {
	return subjectRoot + "." + container + ".fut." + id
}

func heartbeatSubject(container string) string {
	return subjectRoot + ".heartbeat." + container
}

func terminatedSubject(container string) string {
	return subjectRoot + ".terminated." + container
}

const (
	heartbeatWildcard  = subjectRoot + ".heartbeat.*"
	terminatedWildcard = subjectRoot + ".terminated.*"
)

// lastToken returns the final token of a subject
func lastToken(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}
