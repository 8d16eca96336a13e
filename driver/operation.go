// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/bytev/docdriver/address"
	"github.com/bytev/docdriver/csot"
	"github.com/bytev/docdriver/description"
	"github.com/bytev/docdriver/driver/session"
	"github.com/bytev/docdriver/driver/wiremessage"
	"github.com/bytev/docdriver/internal/handshake"
	"github.com/bytev/docdriver/internal/logger"
	"github.com/bytev/docdriver/readpref"
	"github.com/bytev/docdriver/serverselector"
)

const defaultLocalThreshold = 15 * time.Millisecond

var (
	// ErrNoDocCommandResponse is returned when the server indicated a response existed but sent none.
	ErrNoDocCommandResponse = errors.New("command returned no documents")
	// ErrMultiDocCommandResponse is returned when a command response held more than one document.
	ErrMultiDocCommandResponse = errors.New("command returned multiple documents")
	// ErrReplyDocumentMismatch is returned when an OP_REPLY's document count disagrees with its numberReturned field.
	ErrReplyDocumentMismatch = errors.New("number of documents returned does not match numberReturned field")
	// ErrNonPrimaryReadPref is returned for an in-transaction read with a non-primary read preference.
	ErrNonPrimaryReadPref = errors.New("read preference in a transaction must be primary")
	// ErrNegativeMaxTime is returned when an operation's MaxTime is negative.
	ErrNegativeMaxTime = errors.New("MaxTime must be a non-negative value")
	// ErrEmptyWriteConcern is returned for a write concern with no fields set.
	ErrEmptyWriteConcern = errors.New("a write concern must have at least one field set")
	// ErrDocumentTooLarge is returned when a single document exceeds the
	// server's maximum document size.
	ErrDocumentTooLarge = errors.New("an inserted document is too large")

	errDatabaseNameEmpty = errors.New("database name cannot be empty")

	errNegativeW    = errors.New("write concern `w` field cannot be a negative number")
	errInconsistent = errors.New("a write concern cannot have both w=0 and j=true")
)

// InvalidOperationError is returned from Validate when a required Operation
// field is unset.
type InvalidOperationError struct{ MissingField string }

func (err InvalidOperationError) Error() string {
	return "the " + err.MissingField + " field must be set on Operation"
}

// opReply is a decoded OP_REPLY body; err carries any decode or validation
// failure.
type opReply struct {
	responseFlags wiremessage.ReplyFlag
	cursorID      int64
	startingFrom  int32
	numReturned   int32
	documents     []bsoncore.Document
	err           error
}

// startedInformation is everything the "command started" log message needs.
type startedInformation struct {
	cmd                      bsoncore.Document
	requestID                int32
	cmdName                  string
	documentSequenceIncluded bool
	connID                   string
	driverConnectionID       int64
	serverConnID             *int64
	redacted                 bool
	serviceID                *primitive.ObjectID
	serverAddress            address.Address
	processedBatches         int
}

// finishedInformation is everything the "command succeeded"/"command failed"
// log messages need.
type finishedInformation struct {
	cmdName            string
	requestID          int32
	response           bsoncore.Document
	cmdErr             error
	connID             string
	driverConnectionID int64
	serverConnID       *int64
	redacted           bool
	serviceID          *primitive.ObjectID
	serverAddress      address.Address
	duration           time.Duration
}

// success reports whether the command itself succeeded. A WriteCommandError
// counts as success: the server returned { ok: 1.0 } and only individual
// writes failed, so the command still logs as succeeded.
func (info finishedInformation) success() bool {
	if _, ok := info.cmdErr.(WriteCommandError); ok {
		return true
	}

	return info.cmdErr == nil
}

// ResponseInfo carries a server response together with where it came from.
type ResponseInfo struct {
	ServerResponse        bsoncore.Document
	Server                Server
	Connection            Connection
	ConnectionDescription description.Server
	CurrentIndex          int
}

func redactStartedInformationCmd(op Operation, info startedInformation) bsoncore.Document {
	var cmdCopy bsoncore.Document

	// Security-sensitive commands log as an empty document. Otherwise copy
	// the command, folding any type 1 payload for the current batch back
	// into the copy as a BSON array.
	if !info.redacted {
		cmdCopy = make([]byte, 0, len(info.cmd))
		cmdCopy = append(cmdCopy, info.cmd...)

		if info.documentSequenceIncluded {
			// Reopen the document, splice in the array, close it again.
			cmdCopy = cmdCopy[:len(info.cmd)-1]
			_, cmdCopy, _ = op.Batches.AppendBatchArray(cmdCopy, info.processedBatches, math.MaxInt32)
			cmdCopy, _ = bsoncore.AppendDocumentEnd(cmdCopy, 0)
		}
	}

	return cmdCopy
}

func redactFinishedInformationResponse(info finishedInformation) bsoncore.Document {
	if !info.redacted {
		return info.response
	}

	return bsoncore.Document{}
}

// OperationBatches hands the executor the documents of a write that may need
// splitting across multiple commands.
type OperationBatches interface {
	AppendBatchSequence(dst []byte, maxCount, totalSize int) (int, []byte, error)
	AppendBatchArray(dst []byte, maxCount, totalSize int) (int, []byte, error)
	IsOrdered() *bool
	AdvanceBatches(n int)
	Size() int
}

// Operation executes a command: it selects a server, checks out a
// connection, encodes the command as a wire message, performs the round
// trip, decodes and classifies the response, and retries when permitted.
//
// Database, CommandFn, and Deployment are required; everything else is
// optional. The concrete command types in driver/operation wrap this type
// with per-command builders.
type Operation struct {
	// CommandFn appends the elements of the command to dst. It must not open
	// or close the enclosing BSON document, and the first element appended
	// must be the command name. Required.
	CommandFn func(dst []byte, desc description.SelectedServer) ([]byte, error)

	// Database the command runs against. Required.
	Database string

	// Deployment supplies the server to run against. Usually a monitored
	// topology, but SingleServerDeployment and SingleConnectionDeployment
	// can pin an operation to a preselected server or connection. Required.
	Deployment Deployment

	// ProcessResponseFn, if set, runs on every successful server response.
	// The selected server is included so cursor-like consumers can issue
	// follow-up commands against the same server.
	ProcessResponseFn func(ResponseInfo) error

	// Selector is used for the initial server selection and for reselection
	// on retries. Some Deployment implementations never consult it.
	Selector description.ServerSelector

	// ReadPreference attached to the command; primary when unset.
	ReadPreference *readpref.ReadPref

	// ReadConcern, already encoded as a BSON document, appended to read
	// commands. Leave unset for writes.
	ReadConcern bsoncore.Document

	// WriteConcern appended to write commands. Leave unset for reads.
	WriteConcern *WriteConcern

	// Client is the session (implicit or explicit) bound to the operation.
	// Against servers without session support, implicit session fields are
	// silently dropped while an explicit session produces an error. Command
	// results feed back into the session state.
	Client *session.Client

	// Clock is the client-wide cluster clock. It advances on every command,
	// independently of the per-session clocks, which only advance as far as
	// their own last command.
	Clock *session.ClusterClock

	// RetryMode controls retry behavior; see the RetryMode constants. Retry
	// only happens when both RetryMode and Type are set. When the client has
	// a Timeout, any mode other than RetryNone retries until the deadline.
	RetryMode *RetryMode

	// Type marks the operation as a read or a write, which decides which
	// retryability rules apply.
	Type Type

	// Batches holds documents to split across multiple commands when they
	// exceed a single command's capacity. Only set for batchable commands.
	Batches OperationBatches

	// Legacy marks operations needing pre-OP_MSG encodings: find, getMore,
	// and killCursors.
	Legacy LegacyOperationKind

	// ServerAPI configures the declared API version sent to the server.
	ServerAPI *ServerAPIOptions

	// IsOutputAggregate marks an aggregate with an output stage; read
	// preference is then omitted for wire versions < 13.
	IsOutputAggregate bool

	// MaxTime bounds server-side execution of the command.
	MaxTime *time.Duration

	// Timeout bounds the whole operation. When nil, the caller's context
	// deadline governs.
	Timeout *time.Duration

	// ServerSelectionTimeout is the maximum amount of time to wait for server selection to
	// complete before returning an error. It bounds selection together with any deadline on the
	// operation's context, whichever is shorter.
	ServerSelectionTimeout time.Duration

	Logger *logger.Logger

	// Name is the command name, used for OP_MSG serialization and in server
	// selection log messages.
	Name string

	// OmitCSOTMaxTimeMS omits the automatically-calculated "maxTimeMS" from the
	// command when CSOT is enabled. It does not effect "maxTimeMS" set by
	// [Operation.MaxTime].
	OmitCSOTMaxTimeMS bool
}

var memoryPool = sync.Pool{
	New: func() interface{} {
		// 1kb starting buffers, stored as pointers to keep the pool
		// allocation-free.
		b := make([]byte, 1024)
		return &b
	},
}

// filterDeprioritizedServers removes candidates that a previous failed
// attempt marked as deprioritized. When every candidate is deprioritized
// (for example, the cluster has no other healthy server), the list is
// returned unfiltered so selection can still succeed.
func filterDeprioritizedServers(candidates, deprioritized []description.Server) []description.Server {
	if len(deprioritized) == 0 {
		return candidates
	}

	dpaSet := make(map[address.Address]*description.Server)
	for i, srv := range deprioritized {
		dpaSet[srv.Addr] = &deprioritized[i]
	}

	allowed := []description.Server{}

	for _, candidate := range candidates {
		if srv, ok := dpaSet[candidate.Addr]; !ok || !srv.Equal(candidate) {
			allowed = append(allowed, candidate)
		}
	}

	if len(allowed) == 0 {
		return candidates
	}

	return allowed
}

// opServerSelector wraps the operation's selector to add per-attempt state,
// currently the deprioritization of servers that failed a previous attempt.
type opServerSelector struct {
	selector             description.ServerSelector
	deprioritizedServers []description.Server
}

// SelectServer runs the wrapped selector, then strips deprioritized servers
// from its result.
func (oss *opServerSelector) SelectServer(
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	selectedServers, err := oss.selector.SelectServer(topo, candidates)
	if err != nil {
		return nil, err
	}

	filteredServers := filterDeprioritizedServers(selectedServers, oss.deprioritizedServers)

	return filteredServers, nil
}

// selectServer picks a server for one attempt, defaulting to a read-pref
// plus latency-window selector when none was configured.
func (op Operation) selectServer(
	ctx context.Context,
	requestID int32,
	deprioritized []description.Server,
) (Server, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	selector := op.Selector
	if selector == nil {
		rp := op.ReadPreference
		if rp == nil {
			rp = readpref.Primary()
		}

		selector = &serverselector.Composite{
			Selectors: []description.ServerSelector{
				&serverselector.ReadPref{ReadPref: rp},
				&serverselector.Latency{Latency: defaultLocalThreshold},
			},
		}
	}

	oss := &opServerSelector{
		selector:             selector,
		deprioritizedServers: deprioritized,
	}

	ctx = logger.WithOperationName(ctx, op.Name)
	ctx = logger.WithOperationID(ctx, requestID)

	ctx, cancel := csot.WithServerSelectionTimeout(ctx, op.ServerSelectionTimeout)
	defer cancel()

	return op.Deployment.SelectServer(ctx, oss)
}

// getServerAndConnection selects a server and checks a connection out of its
// pool for one attempt.
func (op Operation) getServerAndConnection(
	ctx context.Context,
	requestID int32,
	deprioritized []description.Server,
) (Server, Connection, error) {
	server, err := op.selectServer(ctx, requestID, deprioritized)
	if err != nil {
		if op.Client != nil &&
			!(op.Client.Committing || op.Client.Aborting) && op.Client.TransactionRunning() {
			err = Error{
				Message: err.Error(),
				Labels:  []string{TransientTransactionError},
				Wrapped: err,
			}
		}
		return nil, nil, err
	}

	conn, err := server.Connection(ctx)
	if err != nil {
		return nil, nil, err
	}

	return server, conn, nil
}

// Validate checks that the operation's required fields are populated.
func (op Operation) Validate() error {
	if op.CommandFn == nil {
		return InvalidOperationError{MissingField: "CommandFn"}
	}
	if op.Deployment == nil {
		return InvalidOperationError{MissingField: "Deployment"}
	}
	if op.Database == "" {
		return errDatabaseNameEmpty
	}
	if op.Client != nil && !op.WriteConcern.Acknowledged() {
		return errors.New("session provided for an unacknowledged write")
	}
	return nil
}

// Execute performs the full operation lifecycle, retrying as configured.
func (op Operation) Execute(ctx context.Context) error {
	err := op.Validate()
	if err != nil {
		return err
	}

	// Apply op.Timeout unless the caller already supplied a deadline or a
	// timeout context.
	ctx, cancel := csot.WithTimeout(ctx, op.Timeout)
	defer cancel()

	if op.Client != nil {
		if err := op.Client.StartCommand(); err != nil {
			return err
		}
	}

	var retries int
	if op.RetryMode != nil {
		switch op.Type {
		case Write:
			if op.Client == nil {
				break
			}
			switch *op.RetryMode {
			case RetryOnce, RetryOncePerCommand:
				retries = 1
			case RetryContext:
				retries = -1
			}
		case Read:
			switch *op.RetryMode {
			case RetryOnce, RetryOncePerCommand:
				retries = 1
			case RetryContext:
				retries = -1
			}
		}
	}
	// Under a timeout context the deadline is the retry bound, so retry as
	// many times as the deadline allows.
	retryEnabled := op.RetryMode != nil && op.RetryMode.Enabled()
	if csot.IsTimeoutContext(ctx) && retryEnabled {
		retries = -1
	}

	var srvr Server
	var conn Connection
	var res bsoncore.Document
	var operationErr WriteCommandError
	var prevErr error
	// prevIndefiniteErr remembers the last error that may have actually been
	// applied by the server. When retries run out on an error labeled
	// NoWritesPerformed, this earlier error is the more meaningful one to
	// return.
	var prevIndefiniteErr error
	batching := op.Batches != nil && op.Batches.Size() > 0
	retrySupported := false
	first := true
	currIndex := 0

	// Only the server from the immediately preceding failed attempt is ever
	// deprioritized.
	var deprioritizedServers []description.Server

	// resetForRetry records the error behind the retry, spends one retry
	// credit, and drops the server and connection so the next attempt
	// selects fresh ones.
	resetForRetry := func(err error) {
		retries--
		prevErr = err

		// Any retryable error without the NoWritesPerformed label may have
		// been applied, so remember it.
		switch err := err.(type) {
		case labeledError:
			if !err.HasErrorLabel(NoWritesPerformed) {
				prevIndefiniteErr = err
			}
		default:
			prevIndefiniteErr = err
		}

		// Release the connection right away so the retry doesn't hold two
		// pool slots.
		if conn != nil {
			// Deprioritize the failed mongos so the retry lands elsewhere.
			if desc := conn.Description(); op.Deployment.Kind() == description.TopologyKindSharded {
				deprioritizedServers = []description.Server{desc}
			}

			conn.Close()
		}

		conn = nil
	}

	wm := memoryPool.Get().(*[]byte)
	defer func() {
		// sync.Pool entries should cost roughly the same amount of memory,
		// so oversized buffers are dropped instead of pooled. 16MiB is the
		// server's wire message ceiling. See https://golang.org/issue/23199.
		if cap(*wm) > 16*1024*1024 {
			return
		}
		memoryPool.Put(wm)
	}()
	for {
		// A cancellation or expired deadline on the previous attempt ends
		// the operation; no further retries.
		if errors.Is(prevErr, context.Canceled) || errors.Is(prevErr, context.DeadlineExceeded) {
			return prevErr
		}

		requestID := wiremessage.NextRequestID()

		// Select a server and check out a connection unless the previous
		// iteration carried them over (batch continuation).
		if srvr == nil || conn == nil {
			srvr, conn, err = op.getServerAndConnection(ctx, requestID, deprioritizedServers)
			if err != nil {
				// Retryable pool errors consume a retry credit like any
				// other retryable failure (negative credits mean
				// unbounded).
				if rp, ok := err.(RetryablePoolError); ok && rp.Retryable() && retries != 0 {
					resetForRetry(err)
					continue
				}

				// On a retry, the original failure is more informative than
				// this checkout error.
				if prevErr != nil {
					return prevErr
				}
				return err
			}
			defer conn.Close()
		}

		// First-attempt-only bookkeeping.
		if first {
			// Retry support is judged once, against the first server
			// selected. If that server can't support retryable writes, the
			// write runs as if retries were never enabled.
			retrySupported = op.retryable(conn.Description())

			// Writes with retry support get a txnNumber. The increment must
			// happen only on the first attempt so every retry replays the
			// same transaction, and must be skipped entirely on topologies
			// (standalone) where txnNumber would be rejected.
			if retrySupported && op.RetryMode != nil && op.Type == Write && op.Client != nil {
				op.Client.RetryWrite = false
				if op.RetryMode.Enabled() {
					op.Client.RetryWrite = true
					if !op.Client.Committing && !op.Client.Aborting {
						op.Client.IncrementTxnNumber()
					}
				}
			}

			first = false
		}

		// Derive 'maxTimeMS' from the context deadline, discounted by the
		// 90th percentile RTT when this is a timeout context.
		maxTimeMS, err := op.calculateMaxTimeMS(ctx, srvr.RTTMonitor())
		if err != nil {
			return err
		}

		desc := description.SelectedServer{Server: conn.Description(), Kind: op.Deployment.Kind()}

		var startedInfo startedInformation
		*wm, startedInfo, err = op.createWireMessage(ctx, maxTimeMS, (*wm)[:0], desc, conn, requestID)
		if err != nil {
			return err
		}

		startedInfo.connID = conn.ID()
		startedInfo.driverConnectionID = conn.DriverConnectionID()
		startedInfo.cmdName = op.getCommandName(startedInfo.cmd)

		// The wire message is the source of truth for the operation name;
		// realign op.Name if the command disagrees.
		if startedInfo.cmdName != op.Name {
			op.Name = startedInfo.cmdName
		}

		startedInfo.redacted = op.redactCommand(startedInfo.cmdName, startedInfo.cmd)
		startedInfo.serviceID = conn.Description().ServiceID
		startedInfo.serverConnID = conn.ServerConnectionID()
		startedInfo.serverAddress = conn.Address()

		op.publishStartedEvent(ctx, startedInfo)

		// Read moreToCome before compression hides the flag bits.
		moreToCome := wiremessage.IsMsgMoreToCome(*wm)

		if compressor, ok := conn.(Compressor); ok && op.canCompress(startedInfo.cmdName) {
			b := memoryPool.Get().(*[]byte)
			*b, err = compressor.CompressWireMessage(*wm, (*b)[:0])
			memoryPool.Put(wm)
			wm = b
			if err != nil {
				return err
			}
		}

		finishedInfo := finishedInformation{
			cmdName:            startedInfo.cmdName,
			driverConnectionID: startedInfo.driverConnectionID,
			requestID:          startedInfo.requestID,
			connID:             startedInfo.connID,
			serverConnID:       startedInfo.serverConnID,
			redacted:           startedInfo.redacted,
			serviceID:          startedInfo.serviceID,
			serverAddress:      desc.Server.Addr,
		}

		startedTime := time.Now()

		// Before writing to the socket, make sure a round trip can still fit
		// within the deadline: timeout contexts budget the 90th percentile
		// RTT, others the minimum observed RTT.
		if ctx.Err() != nil {
			err = ctx.Err()
		} else if deadline, ok := ctx.Deadline(); ok {
			if csot.IsTimeoutContext(ctx) && time.Now().Add(srvr.RTTMonitor().P90()).After(deadline) {
				err = fmt.Errorf(
					"remaining time %v until context deadline is less than 90th percentile network round-trip time: %w\n%v",
					time.Until(deadline),
					ErrDeadlineWouldBeExceeded,
					srvr.RTTMonitor().Stats())
			} else if time.Now().Add(srvr.RTTMonitor().Min()).After(deadline) {
				err = context.DeadlineExceeded
			}
		}

		if err == nil {
			// moreToCome means the server sends no reply, so the round trip
			// degenerates to a bare write.
			roundTrip := op.roundTrip
			if moreToCome {
				roundTrip = op.moreToComeRoundTrip
			}
			res, err = roundTrip(ctx, conn, *wm)

			if ep, ok := srvr.(ErrorProcessor); ok {
				_ = ep.ProcessError(err, conn)
			}
		}

		finishedInfo.response = res
		finishedInfo.cmdErr = err
		finishedInfo.duration = time.Since(startedTime)

		op.publishFinishedEvent(ctx, finishedInfo)

		// Set when a case below substitutes prevIndefiniteErr for err, so
		// later cases don't overwrite the substitution.
		var prevIndefiniteErrIsSet bool

	checkError:
		switch tt := err.(type) {
		case WriteCommandError:
			if e := err.(WriteCommandError); retrySupported && op.Type == Write && e.UnsupportedStorageEngine() {
				return ErrUnsupportedStorageEngine
			}

			connDesc := conn.Description()
			retryableErr := tt.Retryable(connDesc.WireVersion)
			preRetryWriteLabelVersion := connDesc.WireVersion != nil && connDesc.WireVersion.Max < 9
			inTransaction := op.Client != nil &&
				!(op.Client.Committing || op.Client.Aborting) && op.Client.TransactionRunning()
			// Servers older than 4.4 never attach RetryableWriteError
			// themselves; synthesize it here outside transactions.
			if retryableErr && preRetryWriteLabelVersion && retryEnabled && !inTransaction {
				tt.Labels = append(tt.Labels, RetryableWriteError)
			}

			// Retry when supported, the error qualifies, and credits remain
			// (negative credits mean unbounded).
			if retrySupported && retryableErr && retries != 0 {
				if op.Client != nil && op.Client.Committing {
					// Commit retries escalate to majority write concern.
					op.Client.UpdateCommitTransactionWriteConcern()
					op.WriteConcern = Majority()
				}
				resetForRetry(tt)
				continue
			}

			// Out of retries on a NoWritesPerformed error: the earlier
			// indefinite error is the one the caller should see.
			if tt.HasErrorLabel(NoWritesPerformed) && prevIndefiniteErr != nil {
				err = prevIndefiniteErr
				prevIndefiniteErrIsSet = true

				goto checkError
			}

			if batching && len(tt.WriteErrors) > 0 && currIndex > 0 {
				for i := range tt.WriteErrors {
					tt.WriteErrors[i].Index += int64(currIndex)
				}
			}

			// Ordered batches (the default) stop at the first batch with
			// write errors.
			if batching && (op.Batches.IsOrdered() == nil || *op.Batches.IsOrdered()) && len(tt.WriteErrors) > 0 {
				return tt
			}
			if op.Client != nil && op.Client.Committing && tt.WriteConcernError != nil {
				// commitTransaction surfaces write concern failures as a
				// plain Error.
				err := Error{
					Name:    tt.WriteConcernError.Name,
					Code:    int32(tt.WriteConcernError.Code),
					Message: tt.WriteConcernError.Message,
					Labels:  tt.Labels,
					Raw:     tt.Raw,
				}
				// Every write concern error gets UnknownTransactionCommitResult
				// except the two codes that are definitively not transient.
				if err.Code != unknownReplWriteConcernCode && err.Code != unsatisfiableWriteConcernCode {
					err.Labels = append(err.Labels, UnknownTransactionCommitResult)
				}
				if retryableErr && retryEnabled {
					err.Labels = append(err.Labels, RetryableWriteError)
				}
				return err
			}
			operationErr.WriteConcernError = tt.WriteConcernError
			operationErr.WriteErrors = append(operationErr.WriteErrors, tt.WriteErrors...)
			operationErr.Labels = tt.Labels
			operationErr.Raw = tt.Raw
		case Error:
			if tt.HasErrorLabel(TransientTransactionError) || tt.HasErrorLabel(UnknownTransactionCommitResult) {
				if err := op.Client.ClearPinnedResources(); err != nil {
					return err
				}
			}

			if e := err.(Error); retrySupported && op.Type == Write && e.UnsupportedStorageEngine() {
				return ErrUnsupportedStorageEngine
			}

			connDesc := conn.Description()
			var retryableErr bool
			if op.Type == Write {
				retryableErr = tt.RetryableWrite(connDesc.WireVersion)
				preRetryWriteLabelVersion := connDesc.WireVersion != nil && connDesc.WireVersion.Max < 9
				inTransaction := op.Client != nil &&
					!(op.Client.Committing || op.Client.Aborting) && op.Client.TransactionRunning()
				// Outside transactions, synthesize RetryableWriteError for
				// network errors and for retryable errors from pre-4.4
				// servers, which never attach the label themselves.
				if retryEnabled && !inTransaction &&
					(tt.HasErrorLabel(NetworkError) || (retryableErr && preRetryWriteLabelVersion)) {
					tt.Labels = append(tt.Labels, RetryableWriteError)
				}
			} else {
				retryableErr = tt.RetryableRead()
			}

			// Retry when supported, the error qualifies, and credits remain
			// (negative credits mean unbounded).
			if retrySupported && retryableErr && retries != 0 {
				if op.Client != nil && op.Client.Committing {
					// Commit retries escalate to majority write concern.
					op.Client.UpdateCommitTransactionWriteConcern()
					op.WriteConcern = Majority()
				}
				resetForRetry(tt)
				continue
			}

			// Out of retries on a NoWritesPerformed error: the earlier
			// indefinite error is the one the caller should see.
			if tt.HasErrorLabel(NoWritesPerformed) && !prevIndefiniteErrIsSet && prevIndefiniteErr != nil {
				err = prevIndefiniteErr
				prevIndefiniteErrIsSet = true

				goto checkError
			}

			// A retryable or MaxTimeMSExpired failure during commit leaves
			// the commit outcome unknown.
			if op.Client != nil && op.Client.Committing && (retryableErr || tt.Code == 50) {
				tt.Labels = append(tt.Labels, UnknownTransactionCommitResult)
			}
			return tt
		case nil:
			if moreToCome {
				return ErrUnacknowledgedWrite
			}
			if op.ProcessResponseFn != nil {
				info := ResponseInfo{
					ServerResponse:        res,
					Server:                srvr,
					Connection:            conn,
					ConnectionDescription: desc.Server,
					CurrentIndex:          currIndex,
				}
				if err = op.ProcessResponseFn(info); err != nil {
					return err
				}
			}
		default:
			return err
		}

		// Advance to the next batch on the same connection. This is a new
		// command, not a retry: it gets a fresh txnNumber and, under
		// RetryOncePerCommand, a fresh retry credit.
		if batching && op.Batches.Size() > startedInfo.processedBatches {
			if retrySupported && op.Client != nil && op.RetryMode != nil {
				if op.RetryMode.Enabled() {
					op.Client.IncrementTxnNumber()
				}
				// Timeout contexts keep their unbounded credit instead.
				if *op.RetryMode == RetryOncePerCommand && !csot.IsTimeoutContext(ctx) {
					retries = 1
					prevErr = nil
				}
			}
			currIndex += startedInfo.processedBatches
			op.Batches.AdvanceBatches(startedInfo.processedBatches)
			continue
		}
		break
	}
	if len(operationErr.WriteErrors) > 0 || operationErr.WriteConcernError != nil {
		return operationErr
	}
	return nil
}

// retryable reports whether the selected server can support retrying this
// operation: sessions must be available, and writes must not be inside a
// running transaction.
func (op Operation) retryable(desc description.Server) bool {
	switch op.Type {
	case Write:
		if op.Client != nil && (op.Client.Committing || op.Client.Aborting) {
			return true
		}
		if retryWritesSupported(desc) &&
			op.RetryMode != nil && !(op.Client != nil && op.Client.TransactionInProgress()) {
			return true
		}
	case Read:
		if op.Client != nil && (op.Client.Committing || op.Client.Aborting) {
			return true
		}
		if !(op.Client != nil && op.Client.TransactionInProgress()) {
			return true
		}
	}
	return false
}

// roundTrip sends wm on the connection and reads the reply, reusing wm's
// storage for the read.
func (op Operation) roundTrip(ctx context.Context, conn Connection, wm []byte) ([]byte, error) {
	err := conn.WriteWireMessage(ctx, wm)
	if err != nil {
		return nil, op.networkError(err)
	}
	return op.readWireMessage(ctx, conn)
}

func (op Operation) readWireMessage(ctx context.Context, conn Connection) (result []byte, err error) {
	wm, err := conn.ReadWireMessage(ctx)
	if err != nil {
		return nil, op.networkError(err)
	}

	// The server's moreToCome flag drives the connection's streaming state.
	if streamer, ok := conn.(StreamerConnection); ok {
		streamer.SetStreaming(wiremessage.IsMsgMoreToCome(wm))
	}

	length, _, _, opcode, rem, ok := wiremessage.ReadHeader(wm)
	if !ok || len(wm) < int(length) {
		return nil, errors.New("malformed wire message: insufficient bytes")
	}
	if opcode == wiremessage.OpCompressed {
		rawsize := length - 16 // header excluded
		opcode, rem, err = op.decompressWireMessage(rem[:rawsize])
		if err != nil {
			return nil, err
		}
	}

	res, err := op.decodeResult(ctx, opcode, rem)
	// Cluster/operation times and recovery tokens must advance even on
	// error responses, so update them before error handling.
	op.updateClusterTimes(res)
	op.updateOperationTime(res)
	if op.Client != nil {
		op.Client.UpdateRecoveryToken(res)
	}

	// Only find, aggregate, and distinct establish a snapshot time.
	if op.Name == "find" || op.Name == "aggregate" || op.Name == "distinct" {
		if op.Client != nil {
			op.Client.UpdateSnapshotTime(res)
		}
	}

	return res, err
}

// networkError wraps err in an Error labeled NetworkError, adding the
// transaction-state labels when a transaction is running or committing. The
// result is retryable for both reads and writes. Returns nil for a nil err.
func (op Operation) networkError(err error) error {
	if err == nil {
		return nil
	}

	labels := []string{NetworkError}
	if op.Client != nil {
		op.Client.MarkDirty()
	}
	if op.Client != nil && op.Client.TransactionRunning() && !op.Client.Committing {
		labels = append(labels, TransientTransactionError)
	}
	if op.Client != nil && op.Client.Committing {
		labels = append(labels, UnknownTransactionCommitResult)
	}
	return Error{Message: err.Error(), Labels: labels, Wrapped: err}
}

// moreToComeRoundTrip only writes: an OP_MSG carrying the moreToCome bit
// receives no reply, so a synthetic {ok: 1} stands in for one.
func (op Operation) moreToComeRoundTrip(ctx context.Context, conn Connection, wm []byte) (result []byte, err error) {
	err = conn.WriteWireMessage(ctx, wm)
	if err != nil {
		if op.Client != nil {
			op.Client.MarkDirty()
		}
		err = Error{Message: err.Error(), Labels: []string{TransientTransactionError, NetworkError}, Wrapped: err}
	}
	return bsoncore.BuildDocument(nil, bsoncore.AppendInt32Element(nil, "ok", 1)), err
}

// decompressWireMessage decompresses an OP_COMPRESSED body (header already
// stripped) and returns the original opcode with the expanded payload.
func (Operation) decompressWireMessage(wm []byte) (wiremessage.OpCode, []byte, error) {
	opcode, rem, ok := wiremessage.ReadCompressedOriginalOpCode(wm)
	if !ok {
		return 0, nil, errors.New("malformed OP_COMPRESSED: missing original opcode")
	}
	uncompressedSize, rem, ok := wiremessage.ReadCompressedUncompressedSize(rem)
	if !ok {
		return 0, nil, errors.New("malformed OP_COMPRESSED: missing uncompressed size")
	}
	compressorID, rem, ok := wiremessage.ReadCompressedCompressorID(rem)
	if !ok {
		return 0, nil, errors.New("malformed OP_COMPRESSED: missing compressor ID")
	}

	opts := CompressionOpts{
		Compressor:       compressorID,
		UncompressedSize: uncompressedSize,
	}
	uncompressed, err := DecompressPayload(rem, opts)
	if err != nil {
		return 0, nil, err
	}

	return opcode, uncompressed, nil
}

func (op Operation) createLegacyHandshakeWireMessage(
	maxTimeMS uint64,
	dst []byte,
	desc description.SelectedServer,
	requestID int32,
) ([]byte, startedInformation, error) {
	var info startedInformation
	flags := op.secondaryOK(desc)
	var wmindex int32
	info.requestID = requestID
	wmindex, dst = wiremessage.AppendHeaderStart(dst, info.requestID, 0, wiremessage.OpQuery)
	dst = wiremessage.AppendQueryFlags(dst, flags)

	dollarCmd := [...]byte{'.', '$', 'c', 'm', 'd'}

	// fullCollectionName, then numberToSkip and numberToReturn.
	dst = append(dst, op.Database...)
	dst = append(dst, dollarCmd[:]...)
	dst = append(dst, 0x00)
	dst = wiremessage.AppendQueryNumberToSkip(dst, 0)
	dst = wiremessage.AppendQueryNumberToReturn(dst, -1)

	wrapper := int32(-1)
	rp, err := op.createReadPref(desc, true)
	if err != nil {
		return dst, info, err
	}
	if len(rp) > 0 {
		wrapper, dst = bsoncore.AppendDocumentStart(dst)
		dst = bsoncore.AppendHeader(dst, bsontype.EmbeddedDocument, "$query")
	}
	idx, dst := bsoncore.AppendDocumentStart(dst)
	dst, err = op.CommandFn(dst, desc)
	if err != nil {
		return dst, info, err
	}

	dst, err = op.addReadConcern(dst, desc)
	if err != nil {
		return dst, info, err
	}

	dst, err = op.addSession(dst, desc)
	if err != nil {
		return dst, info, err
	}

	dst = op.addClusterTime(dst, desc)
	dst = op.addServerAPI(dst)
	// Zero means "no server-side timeout", which is the default, so it is
	// never sent explicitly.
	if maxTimeMS > 0 {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", int64(maxTimeMS))
	}

	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	// Only the document inside $query is reported as the command.
	info.cmd = dst[idx:]

	if len(rp) > 0 {
		var err error
		dst = bsoncore.AppendDocumentElement(dst, "$readPreference", rp)
		dst, err = bsoncore.AppendDocumentEnd(dst, wrapper)
		if err != nil {
			return dst, info, err
		}
	}

	return bsoncore.UpdateLength(dst, wmindex, int32(len(dst[wmindex:]))), info, nil
}

func (op Operation) createMsgWireMessage(
	ctx context.Context,
	maxTimeMS uint64,
	dst []byte,
	desc description.SelectedServer,
	conn Connection,
	requestID int32,
) ([]byte, startedInformation, error) {
	var info startedInformation
	var flags wiremessage.MsgFlag
	var wmindex int32
	// An unacknowledged write concern turns on MoreToCome, but only once the
	// final batch (or a non-batched command) is being encoded.
	if op.WriteConcern != nil && !op.WriteConcern.Acknowledged() && (op.Batches == nil || op.Batches.Size() == 0) {
		flags = wiremessage.MoreToCome
	}
	// ExhaustAllowed tells the server it may stream responses back over this
	// connection with MoreToCome set.
	if streamer, ok := conn.(StreamerConnection); ok && streamer.SupportsStreaming() {
		flags |= wiremessage.ExhaustAllowed
	}

	info.requestID = requestID
	wmindex, dst = wiremessage.AppendHeaderStart(dst, info.requestID, 0, wiremessage.OpMsg)
	dst = wiremessage.AppendMsgFlags(dst, flags)
	// Section 0: the command body.
	dst = wiremessage.AppendMsgSectionType(dst, wiremessage.SingleDocument)

	idx, dst := bsoncore.AppendDocumentStart(dst)

	dst, err := op.CommandFn(dst, desc)
	if err != nil {
		return dst, info, err
	}
	dst, err = op.addReadConcern(dst, desc)
	if err != nil {
		return dst, info, err
	}
	dst, err = op.addWriteConcern(ctx, dst, desc)
	if err != nil {
		return dst, info, err
	}
	dst, err = op.addSession(dst, desc)
	if err != nil {
		return dst, info, err
	}

	dst = op.addClusterTime(dst, desc)
	dst = op.addServerAPI(dst)
	// Zero means "no server-side timeout", which is the default, so it is
	// never sent explicitly.
	if maxTimeMS > 0 {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", int64(maxTimeMS))
	}

	dst = bsoncore.AppendStringElement(dst, "$db", op.Database)
	rp, err := op.createReadPref(desc, false)
	if err != nil {
		return dst, info, err
	}
	if len(rp) > 0 {
		dst = bsoncore.AppendDocumentElement(dst, "$readPreference", rp)
	}

	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	// The reported command excludes any type 1 document-sequence payload.
	info.cmd = dst[idx:]

	// Batched documents ride in a document sequence section after the body.
	if op.Batches != nil && op.Batches.Size() > 0 {
		maxDocSize := int(desc.MaxDocumentSize)
		if maxDocSize == 0 {
			maxDocSize = math.MaxInt32
		}
		maxCount := int(desc.MaxBatchCount)
		if maxCount == 0 {
			maxCount = math.MaxInt32
		}

		n, newDst, err := op.Batches.AppendBatchSequence(dst, maxCount, maxDocSize)
		if err != nil {
			return dst, info, err
		}
		if n == 0 {
			return dst, info, ErrDocumentTooLarge
		}
		info.processedBatches = n
		info.documentSequenceIncluded = true
		dst = newDst
	}

	return bsoncore.UpdateLength(dst, wmindex, int32(len(dst[wmindex:]))), info, nil
}

// isLegacyHandshake reports whether this is the first message of the initial
// handshake, which must go out as OP_QUERY against an unknown server.
func isLegacyHandshake(op Operation, desc description.SelectedServer) bool {
	isInitialHandshake := desc.WireVersion == nil || desc.WireVersion.Max == 0

	return op.Legacy == LegacyHandshake && isInitialHandshake
}

func (op Operation) createWireMessage(
	ctx context.Context,
	maxTimeMS uint64,
	dst []byte,
	desc description.SelectedServer,
	conn Connection,
	requestID int32,
) ([]byte, startedInformation, error) {
	if isLegacyHandshake(op, desc) {
		return op.createLegacyHandshakeWireMessage(maxTimeMS, dst, desc, requestID)
	}

	return op.createMsgWireMessage(ctx, maxTimeMS, dst, desc, conn, requestID)
}

// addServerAPI appends the declared stable API fields to the command in dst.
func (op Operation) addServerAPI(dst []byte) []byte {
	sa := op.ServerAPI
	if sa == nil {
		return dst
	}

	dst = bsoncore.AppendStringElement(dst, "apiVersion", sa.ServerAPIVersion)
	if sa.Strict != nil {
		dst = bsoncore.AppendBooleanElement(dst, "apiStrict", *sa.Strict)
	}
	if sa.DeprecationErrors != nil {
		dst = bsoncore.AppendBooleanElement(dst, "apiDeprecationErrors", *sa.DeprecationErrors)
	}
	return dst
}

func (op Operation) addReadConcern(dst []byte, desc description.SelectedServer) ([]byte, error) {
	client := op.Client
	if client != nil && (client.Committing || client.Aborting) {
		// commitTransaction and abortTransaction never carry a read concern.
		return dst, nil
	}

	rc := op.ReadConcern

	// A causally consistent session with a recorded operation time needs
	// afterClusterTime on the transaction-starting command even when no read
	// concern was configured, so synthesize an empty one to hang it on.
	if rc == nil && client != nil && client.TransactionStarting() && client.Consistent && client.OperationTime != nil {
		rc = bsoncore.BuildDocument(nil, nil)
	}

	if rc == nil {
		return dst, nil
	}

	data := make(bsoncore.Document, len(rc))
	copy(data, rc)

	if sessionsSupported(desc.WireVersion) && client != nil {
		if client.Consistent && client.OperationTime != nil {
			data = data[:len(data)-1] // remove the null byte
			data = bsoncore.AppendTimestampElement(data, "afterClusterTime", client.OperationTime.T, client.OperationTime.I)
			data, _ = bsoncore.AppendDocumentEnd(data, 0)
		}
		if client.Snapshot && client.SnapshotTime != nil {
			data = data[:len(data)-1] // remove the null byte
			data = bsoncore.AppendTimestampElement(data, "atClusterTime", client.SnapshotTime.T, client.SnapshotTime.I)
			data, _ = bsoncore.AppendDocumentEnd(data, 0)
		}
	}

	if len(data) == bsoncore.EmptyDocumentLength {
		return dst, nil
	}
	return bsoncore.AppendDocumentElement(dst, "readConcern", data), nil
}

func (op Operation) addWriteConcern(ctx context.Context, dst []byte, desc description.SelectedServer) ([]byte, error) {
	wc := op.WriteConcern
	if wc == nil {
		return dst, nil
	}

	// A client-level timeout supersedes the write concern timeout. Omit "wtimeout" so the two
	// mechanisms don't race server-side.
	if csot.IsTimeoutContext(ctx) && wc.WTimeout != 0 {
		wcCopy := *wc
		wcCopy.WTimeout = 0
		wc = &wcCopy
	}

	data, err := MarshalBSONWriteConcern(wc)
	if errors.Is(err, ErrEmptyWriteConcern) {
		return dst, nil
	}
	if err != nil {
		return dst, err
	}

	return bsoncore.AppendDocumentElement(dst, "writeConcern", data), nil
}

func (op Operation) addSession(dst []byte, desc description.SelectedServer) ([]byte, error) {
	client := op.Client

	// An explicit session against a server without session support is a
	// usage error.
	if client != nil && !sessionsSupported(desc.WireVersion) && client.SessionType == session.Explicit {
		return nil, fmt.Errorf("current topology does not support sessions")
	}

	if client == nil || !sessionsSupported(desc.WireVersion) || desc.SessionTimeoutMinutes == nil {
		return dst, nil
	}

	// Server-side session checkout is deferred for implicit sessions, so one may not be
	// attached yet.
	if client.Server == nil {
		if err := client.SetServer(); err != nil {
			return dst, err
		}
	}
	if err := client.UpdateUseTime(); err != nil {
		return dst, err
	}
	dst = bsoncore.AppendDocumentElement(dst, "lsid", client.SessionID)

	var addedTxnNumber bool
	if op.Type == Write && client.RetryWrite {
		addedTxnNumber = true
		dst = bsoncore.AppendInt64Element(dst, "txnNumber", op.Client.TxnNumber)
	}
	if client.TransactionRunning() || client.RetryingCommit {
		if !addedTxnNumber {
			dst = bsoncore.AppendInt64Element(dst, "txnNumber", op.Client.TxnNumber)
		}
		if client.TransactionStarting() {
			dst = bsoncore.AppendBooleanElement(dst, "startTransaction", true)
		}
		dst = bsoncore.AppendBooleanElement(dst, "autocommit", false)
	}

	return dst, client.ApplyCommand(desc.Server)
}

func (op Operation) addClusterTime(dst []byte, desc description.SelectedServer) []byte {
	client, clock := op.Client, op.Clock
	if (clock == nil && client == nil) || !sessionsSupported(desc.WireVersion) {
		return dst
	}

	var clusterTime bsoncore.Document
	if clock != nil {
		clusterTime = clock.GetClusterTime()
	}
	if client != nil {
		clusterTime = session.MaxClusterTime(clusterTime, client.ClusterTime)
	}
	if clusterTime == nil {
		return dst
	}
	val, err := clusterTime.LookupErr("$clusterTime")
	if err != nil {
		return dst
	}
	return append(bsoncore.AppendHeader(dst, val.Type, "$clusterTime"), val.Data...)
}

// calculateMaxTimeMS derives the 'maxTimeMS' value for the wire message.
// Under a timeout context it is the remaining deadline minus the 90th
// percentile RTT; otherwise the operation's MaxTime applies when set. A zero
// return means no server-side limit is sent.
func (op Operation) calculateMaxTimeMS(ctx context.Context, mon RTTMonitor) (uint64, error) {
	// Operations that opt out of the deadline-derived value (OmitCSOTMaxTimeMS
	// or a WithoutMaxTime context) fall through to a manually-set MaxTime.
	if csot.IsTimeoutContext(ctx) && !op.OmitCSOTMaxTimeMS && !csot.IsWithoutMaxTime(ctx) {
		if deadline, ok := ctx.Deadline(); ok {
			remainingTimeout := time.Until(deadline)
			rtt90 := mon.P90()
			maxTime := remainingTimeout - rtt90

			// Round up so sub-millisecond budgets survive as 1ms instead of
			// truncating to 0 (which would mean "no limit").
			maxTimeMS := int64((maxTime + (time.Millisecond - 1)) / time.Millisecond)
			if maxTimeMS <= 0 {
				return 0, fmt.Errorf(
					"remaining time %v until context deadline is less than or equal to 90th percentile network round-trip time %v: %w\n%v",
					remainingTimeout,
					rtt90,
					ErrDeadlineWouldBeExceeded,
					mon.Stats())
			}

			return uint64(maxTimeMS), nil
		}
	} else if op.MaxTime != nil {
		// Zero means no server-side timeout; negative values are rejected.
		if *op.MaxTime < 0 {
			return 0, ErrNegativeMaxTime
		}
		// Round up so sub-millisecond values survive as 1ms.
		return uint64((*op.MaxTime + (time.Millisecond - 1)) / time.Millisecond), nil
	}
	return 0, nil
}

// updateClusterTimes advances the session's and the cluster clock's cluster
// times from the response. Advancement errors are swallowed; callers have no
// use for them.
func (op Operation) updateClusterTimes(response bsoncore.Document) {
	value, err := response.LookupErr("$clusterTime")
	if err != nil {
		// Server did not include $clusterTime.
		return
	}

	clusterTime := bsoncore.BuildDocumentFromElements(nil, bsoncore.AppendValueElement(nil, "$clusterTime", value))

	if sess := op.Client; sess != nil {
		_ = sess.AdvanceClusterTime(clusterTime)
	}

	if clock := op.Clock; clock != nil {
		clock.AdvanceClusterTime(clusterTime)
	}
}

// updateOperationTime advances the session's operation time from the
// response. Advancement errors are swallowed; callers have no use for them.
func (op Operation) updateOperationTime(response bsoncore.Document) {
	sess := op.Client
	if sess == nil {
		return
	}

	opTimeElem, err := response.LookupErr("operationTime")
	if err != nil {
		// Server did not include operationTime.
		return
	}

	t, i := opTimeElem.Timestamp()
	_ = sess.AdvanceOperationTime(&primitive.Timestamp{
		T: t,
		I: i,
	})
}

func (op Operation) getReadPrefBasedOnTransaction() (*readpref.ReadPref, error) {
	if op.Client != nil && op.Client.TransactionRunning() {
		// Inside a transaction the transaction's read preference wins, and
		// any read after startTransaction must be primary.
		rp := op.Client.CurrentRp
		if rp != nil && !op.Client.TransactionStarting() && rp.Mode() != readpref.PrimaryMode {
			return nil, ErrNonPrimaryReadPref
		}
		return rp, nil
	}
	return op.ReadPreference, nil
}

// createReadPref builds the "$readPreference" document ("mode", "tags",
// "maxStalenessSeconds") for the wire message, or nil when none should be
// sent.
func (op *Operation) createReadPref(desc description.SelectedServer, isOpQuery bool) (bsoncore.Document, error) {
	// No read preference is sent to standalones, to non-mongos servers over
	// OP_QUERY, for writes, or for output-stage aggregates against servers
	// older than wire version 13.
	if desc.Server.Kind == description.ServerKindStandalone || (isOpQuery && desc.Server.Kind != description.ServerKindMongos) ||
		op.Type == Write || (op.IsOutputAggregate && desc.Server.WireVersion != nil && desc.Server.WireVersion.Max < 13) {
		return nil, nil
	}

	idx, doc := bsoncore.AppendDocumentStart(nil)
	rp, err := op.getReadPrefBasedOnTransaction()
	if err != nil {
		return nil, err
	}

	if rp == nil {
		if desc.Kind == description.TopologyKindSingle && desc.Server.Kind != description.ServerKindMongos {
			doc = bsoncore.AppendStringElement(doc, "mode", "primaryPreferred")
			doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
			return doc, nil
		}
		return nil, nil
	}

	switch rp.Mode() {
	case readpref.PrimaryMode:
		if desc.Server.Kind == description.ServerKindMongos {
			return nil, nil
		}
		if desc.Kind == description.TopologyKindSingle {
			doc = bsoncore.AppendStringElement(doc, "mode", "primaryPreferred")
			doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
			return doc, nil
		}
		doc = bsoncore.AppendStringElement(doc, "mode", "primary")
	case readpref.PrimaryPreferredMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "primaryPreferred")
	case readpref.SecondaryPreferredMode:
		_, ok := rp.MaxStaleness()
		if desc.Server.Kind == description.ServerKindMongos && isOpQuery && !ok && len(rp.TagSets()) == 0 {
			return nil, nil
		}
		doc = bsoncore.AppendStringElement(doc, "mode", "secondaryPreferred")
	case readpref.SecondaryMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "secondary")
	case readpref.NearestMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "nearest")
	}

	sets := make([]bsoncore.Document, 0, len(rp.TagSets()))
	for _, ts := range rp.TagSets() {
		i, set := bsoncore.AppendDocumentStart(nil)
		for _, t := range ts {
			set = bsoncore.AppendStringElement(set, t.Name, t.Value)
		}
		set, _ = bsoncore.AppendDocumentEnd(set, i)
		sets = append(sets, set)
	}
	if len(sets) > 0 {
		var aidx int32
		aidx, doc = bsoncore.AppendArrayElementStart(doc, "tags")
		for i, set := range sets {
			doc = bsoncore.AppendDocumentElement(doc, strconv.Itoa(i), set)
		}
		doc, _ = bsoncore.AppendArrayEnd(doc, aidx)
	}

	if d, ok := rp.MaxStaleness(); ok {
		doc = bsoncore.AppendInt32Element(doc, "maxStalenessSeconds", int32(d.Seconds()))
	}

	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)

	return doc, nil
}

func (op Operation) secondaryOK(desc description.SelectedServer) wiremessage.QueryFlag {
	if desc.Kind == description.TopologyKindSingle && desc.Server.Kind != description.ServerKindMongos {
		return wiremessage.SecondaryOK
	}

	if rp := op.ReadPreference; rp != nil && rp.Mode() != readpref.PrimaryMode {
		return wiremessage.SecondaryOK
	}

	return 0
}

func (Operation) canCompress(cmd string) bool {
	if cmd == handshake.LegacyHello || cmd == "hello" || cmd == "saslStart" || cmd == "saslContinue" || cmd == "getnonce" || cmd == "authenticate" ||
		cmd == "createUser" || cmd == "updateUser" || cmd == "copydbSaslStart" || cmd == "copydbgetnonce" || cmd == "copydb" {
		return false
	}
	return true
}

// decodeOpReply parses an OP_REPLY body. Decoding problems are reported via
// the returned opReply's err field rather than a second return value.
func (op Operation) decodeOpReply(wm []byte) opReply {
	var reply opReply
	var ok bool

	reply.responseFlags, wm, ok = wiremessage.ReadReplyFlags(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: missing flags")
		return reply
	}
	reply.cursorID, wm, ok = wiremessage.ReadReplyCursorID(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: missing cursorID")
		return reply
	}
	reply.startingFrom, wm, ok = wiremessage.ReadReplyStartingFrom(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: missing startingFrom")
		return reply
	}
	reply.numReturned, wm, ok = wiremessage.ReadReplyNumberReturned(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: missing numberReturned")
		return reply
	}
	reply.documents, _, ok = wiremessage.ReadReplyDocuments(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: could not read documents from reply")
	}

	if reply.responseFlags&wiremessage.QueryFailure == wiremessage.QueryFailure {
		reply.err = QueryFailureError{
			Message:  "command failure",
			Response: reply.documents[0],
		}
		return reply
	}
	if reply.responseFlags&wiremessage.CursorNotFound == wiremessage.CursorNotFound {
		reply.err = ErrCursorNotFound
		return reply
	}

	if reply.numReturned != int32(len(reply.documents)) {
		reply.err = ErrReplyDocumentMismatch
		return reply
	}

	return reply
}

func (op Operation) decodeResult(ctx context.Context, opcode wiremessage.OpCode, wm []byte) (bsoncore.Document, error) {
	switch opcode {
	case wiremessage.OpReply:
		reply := op.decodeOpReply(wm)
		if reply.err != nil {
			return nil, reply.err
		}
		if reply.numReturned == 0 {
			return nil, ErrNoDocCommandResponse
		}
		if reply.numReturned > 1 {
			return nil, ErrMultiDocCommandResponse
		}
		rdr := reply.documents[0]
		if err := rdr.Validate(); err != nil {
			return nil, NewCommandResponseError("malformed OP_REPLY: invalid document", err)
		}

		return rdr, ExtractErrorFromServerResponse(ctx, rdr)
	case wiremessage.OpMsg:
		_, wm, ok := wiremessage.ReadMsgFlags(wm)
		if !ok {
			return nil, errors.New("malformed wire message: missing OP_MSG flags")
		}

		var res bsoncore.Document
		for len(wm) > 0 {
			var stype wiremessage.SectionType
			stype, wm, ok = wiremessage.ReadMsgSectionType(wm)
			if !ok {
				return nil, errors.New("malformed wire message: insufficient bytes to read section type")
			}

			switch stype {
			case wiremessage.SingleDocument:
				res, wm, ok = wiremessage.ReadMsgSectionSingleDocument(wm)
				if !ok {
					return nil, errors.New("malformed wire message: insufficient bytes to read single document")
				}
			case wiremessage.DocumentSequence:
				_, _, wm, ok = wiremessage.ReadMsgSectionDocumentSequence(wm)
				if !ok {
					return nil, errors.New("malformed wire message: insufficient bytes to read document sequence")
				}
			default:
				return nil, fmt.Errorf("malformed wire message: unknown section type %v", stype)
			}
		}

		err := res.Validate()
		if err != nil {
			return nil, NewCommandResponseError("malformed OP_MSG: invalid document", err)
		}

		return res, ExtractErrorFromServerResponse(ctx, res)
	default:
		return nil, fmt.Errorf("cannot decode result from %s", opcode)
	}
}

// getCommandName extracts the first element name from the command document,
// which by construction is the command name.
func (op Operation) getCommandName(doc []byte) string {
	// 4 bytes of document length, 1 byte of element type, then the cstring key.
	idx := bytes.IndexByte(doc[5:], 0x00)
	return string(doc[5 : idx+5])
}

func (op *Operation) redactCommand(cmd string, doc bsoncore.Document) bool {
	if cmd == "authenticate" || cmd == "saslStart" || cmd == "saslContinue" || cmd == "getnonce" || cmd == "createUser" ||
		cmd == "updateUser" || cmd == "copydbgetnonce" || cmd == "copydbsaslstart" || cmd == "copydb" {
		return true
	}

	if strings.ToLower(cmd) != handshake.LegacyHelloLowercase && cmd != "hello" {
		return false
	}

	// A hello is only sensitive when it carries speculative authentication.
	_, err := doc.LookupErr("speculativeAuthenticate")
	return err == nil
}

// canLogCommandMessage reports whether command logging is enabled.
func (op Operation) canLogCommandMessage() bool {
	return op.Logger != nil && op.Logger.LevelComponentEnabled(logger.LevelDebug, logger.ComponentCommand)
}

func serviceIDString(id *primitive.ObjectID) string {
	if id == nil {
		return ""
	}
	return id.Hex()
}

// publishStartedEvent emits the "command started" log message, with the
// command document redacted when it may carry credentials.
func (op Operation) publishStartedEvent(ctx context.Context, info startedInformation) {
	if !op.canLogCommandMessage() {
		return
	}

	host, port, _ := net.SplitHostPort(info.serverAddress.String())

	redactedCmd := redactStartedInformationCmd(op, info).String()
	formattedCmd := logger.FormatMessage(redactedCmd, op.Logger.MaxDocumentLength)

	op.Logger.Print(logger.LevelDebug,
		logger.ComponentCommand,
		logger.CommandStarted,
		logger.SerializeCommand(logger.Command{
			DriverConnectionID: info.driverConnectionID,
			Message:            logger.CommandStarted,
			Name:               info.cmdName,
			DatabaseName:       op.Database,
			RequestID:          info.requestID,
			ServerConnectionID: info.serverConnID,
			ServerHost:         host,
			ServerPort:         port,
			ServiceID:          serviceIDString(info.serviceID),
		},
			logger.KeyCommand, formattedCmd)...)
}

// publishFinishedEvent emits the "command succeeded" or "command failed" log
// message depending on the outcome.
func (op Operation) publishFinishedEvent(ctx context.Context, info finishedInformation) {
	if !op.canLogCommandMessage() {
		return
	}

	host, port, _ := net.SplitHostPort(info.serverAddress.String())

	cmd := logger.Command{
		DriverConnectionID: info.driverConnectionID,
		Name:               info.cmdName,
		DatabaseName:       op.Database,
		RequestID:          info.requestID,
		ServerConnectionID: info.serverConnID,
		ServerHost:         host,
		ServerPort:         port,
		ServiceID:          serviceIDString(info.serviceID),
	}

	if info.success() {
		redactedReply := redactFinishedInformationResponse(info).String()
		formattedReply := logger.FormatMessage(redactedReply, op.Logger.MaxDocumentLength)

		cmd.Message = logger.CommandSucceeded
		op.Logger.Print(logger.LevelDebug,
			logger.ComponentCommand,
			logger.CommandSucceeded,
			logger.SerializeCommand(cmd,
				logger.KeyDurationMS, info.duration.Milliseconds(),
				logger.KeyReply, formattedReply)...)

		return
	}

	formattedReply := logger.FormatMessage(info.cmdErr.Error(), op.Logger.MaxDocumentLength)

	cmd.Message = logger.CommandFailed
	op.Logger.Print(logger.LevelDebug,
		logger.ComponentCommand,
		logger.CommandFailed,
		logger.SerializeCommand(cmd,
			logger.KeyDurationMS, info.duration.Milliseconds(),
			logger.KeyFailure, formattedReply)...)
}

// sessionsSupported reports whether the server's wire version allows sessions.
func sessionsSupported(wireVersion *description.VersionRange) bool {
	return wireVersion != nil
}

// retryWritesSupported reports whether the server can retry writes: it must
// track sessions and not be a standalone.
func retryWritesSupported(s description.Server) bool {
	return s.SessionTimeoutMinutes != nil && s.Kind != description.ServerKindStandalone
}

// ExecuteExhaust reads the next response from a connection that is in
// streaming mode. The connection must report CurrentlyStreaming.
func (op Operation) ExecuteExhaust(ctx context.Context, conn StreamerConnection) error {
	if !conn.CurrentlyStreaming() {
		return errors.New("exhaust read must be done with a connection that is currently streaming")
	}

	res, err := op.readWireMessage(ctx, conn)
	if err != nil {
		return err
	}
	if op.ProcessResponseFn != nil {
		// Server, connection description, and current index are unused in this mode.
		info := ResponseInfo{
			ServerResponse: res,
			Connection:     conn,
		}
		if err := op.ProcessResponseFn(info); err != nil {
			return err
		}
	}

	return nil
}

// labeledError is an error carrying error labels.
type labeledError interface {
	error
	HasErrorLabel(string) bool
}

// RetryablePoolError is a checkout error that permits the operation to retry
// against a newly selected server.
type RetryablePoolError interface {
	error
	Retryable() bool
}
