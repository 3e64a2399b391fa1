package shard

import "github.com/adred-codev/opcua-server/internal/ua"

// errNoSuchSession is returned by Rebind when the target shard does not
// currently own the session, meaning the caller resolved shard ownership
// against a stale Registry index entry.
var errNoSuchSession = ua.StatusBadSessionIDInvalid
