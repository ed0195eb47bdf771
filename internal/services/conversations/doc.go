// Package convsvc manages conversation and channel aggregates and the
// message publish path. A conversation's id is a pure function of its
// participant set, so creation is a get-or-create: concurrent creates for
// the same participants converge on one row. Channel ids are time-ordered,
// which keeps a conversation's channel list sortable without extra state.
package convsvc
