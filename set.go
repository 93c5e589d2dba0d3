package ethnl

// A setRequestFunc handles one SET request kind. It runs without the
// Server's lock and takes it itself around driver access, so it can
// emit its change notification before releasing it.
type setRequestFunc func(s *Server, req *Request) error

// setRequests maps request commands to their SET handlers. SET commands
// double as the reply commands of their GET counterparts, so the two
// tables never overlap.
var setRequests = [commandCount]setRequestFunc{
	CommandSetSettings: setSettings,
	CommandSetParams:   setParams,
}
