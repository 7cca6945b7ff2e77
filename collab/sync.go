package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/workspace-ide/collab/collab/docservice"
)

const treeField = "tree"

const DefaultDocumentKind = "FileTree"

// `<kind>-<workspaceId>-<YYYYMMDD>` with the UTC calendar date.
// Sessions on different days do not share a document.
func SessionKey(kind string, workspaceId string, t time.Time) string {
	return fmt.Sprintf("%s-%s-%s", kind, workspaceId, t.UTC().Format("20060102"))
}

type SyncSettings struct {
	DocumentKind  string
	AttachTimeout time.Duration
	UpdateTimeout time.Duration
	// the clock used for the session key
	Clock Clock
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		DocumentKind:  DefaultDocumentKind,
		AttachTimeout: 15 * time.Second,
		UpdateTimeout: 15 * time.Second,
		Clock:         RealClock(),
	}
}

type SyncErrorFunction func(err error)

type PresenceFunction func(presences []docservice.PeerPresence)

// TreeSynchronizer keeps the local tree and the shared document `tree` field convergent.
//
// Remote changes replace the local tree wholesale. Local changes overwrite the document field
// with the whole local tree, unless the change is the absorption of a remote change.
// Loop suppression compares the local revision with the revision produced by the last
// absorption, and falls back to comparing fingerprints of the canonical tree encodings.
type TreeSynchronizer struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   docservice.Client
	local    *TreeState
	identity *Identity
	registry *PresenceRegistry
	settings *SyncSettings

	attachLock sync.Mutex

	stateLock           sync.Mutex
	key                 string
	document            docservice.Document
	lastAppliedRevision uint64
	hasApplied          bool
	unsubscribes        []func()

	syncErrorCallbacks *CallbackList[SyncErrorFunction]
	presenceCallbacks  *CallbackList[PresenceFunction]

	log LogFunction
}

func NewTreeSynchronizerWithDefaults(
	ctx context.Context,
	client docservice.Client,
	local *TreeState,
	identity *Identity,
) *TreeSynchronizer {
	return NewTreeSynchronizer(ctx, client, local, identity, DefaultSyncSettings())
}

func NewTreeSynchronizer(
	ctx context.Context,
	client docservice.Client,
	local *TreeState,
	identity *Identity,
	settings *SyncSettings,
) *TreeSynchronizer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TreeSynchronizer{
		ctx:                cancelCtx,
		cancel:             cancel,
		client:             client,
		local:              local,
		identity:           identity,
		registry:           NewPresenceRegistry(),
		settings:           settings,
		syncErrorCallbacks: NewCallbackList[SyncErrorFunction](),
		presenceCallbacks:  NewCallbackList[PresenceFunction](),
		log:                LogFn(tagSync),
	}
}

func (self *TreeSynchronizer) PresenceRegistry() *PresenceRegistry {
	return self.registry
}

// the document key of the current attachment, or empty when detached
func (self *TreeSynchronizer) Key() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.key
}

func (self *TreeSynchronizer) IsAttached() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.document != nil
}

// joins the session document for the workspace and today's date,
// seeds it with the local tree if it has no tree yet, registers the participant,
// and replaces the local tree with the document tree.
func (self *TreeSynchronizer) Attach(ctx context.Context, workspaceId string) (returnErr error) {
	self.attachLock.Lock()
	defer self.attachLock.Unlock()

	if self.IsAttached() {
		return newLogicError("already attached to %s", self.Key())
	}
	if workspaceId == "" {
		return &ValidationError{Field: "workspace", Message: "workspace id is required"}
	}

	// the key is fixed for the lifetime of the attachment, a session that spans midnight keeps its document
	key := SessionKey(self.settings.DocumentKind, workspaceId, self.settings.Clock.Now())

	attachCtx, attachCancel := context.WithTimeout(ctx, self.settings.AttachTimeout)
	defer attachCancel()

	document, err := self.client.Attach(attachCtx, key, docservice.Presence{
		"username": self.identity.DisplayName(),
	})
	if err != nil {
		RecordDocumentAttachFailure()
		return &SyncError{Op: "attach", Key: key, Err: err}
	}
	defer func() {
		if returnErr != nil {
			RecordDocumentAttachFailure()
			self.teardown()
			document.Detach(self.ctx)
		}
	}()

	treeValue, err := EncodeTree(self.local.Snapshot())
	if err != nil {
		return &SyncError{Op: "bootstrap", Key: key, Err: err}
	}
	err = document.Update(attachCtx, func(root *docservice.Root) error {
		if err := root.SetIfAbsent(treeField, treeValue); err != nil {
			return err
		}
		if err := root.SetIfAbsent(usersField, map[string]any{}); err != nil {
			return err
		}
		return self.registry.Register(root, self.identity.UserId)
	}, "bootstrap")
	if err != nil {
		return &SyncError{Op: "bootstrap", Key: key, Err: err}
	}

	self.stateLock.Lock()
	self.key = key
	self.document = document
	self.hasApplied = false
	self.unsubscribes = []func(){
		document.Subscribe(self.onDocumentEvent),
		self.local.AddChangeCallback(self.onLocalChange),
	}
	self.stateLock.Unlock()

	if err := document.Sync(attachCtx); err != nil {
		return &SyncError{Op: "sync", Key: key, Err: err}
	}
	if err := self.absorb(); err != nil {
		return &SyncError{Op: "absorb", Key: key, Err: err}
	}

	glog.V(1).Infof("[sync]attached %s as %s\n", key, self.identity.UserId)
	return nil
}

// unsubscribes everything, then detaches the document.
// Must be called exactly once per successful Attach.
func (self *TreeSynchronizer) Detach(ctx context.Context) error {
	self.attachLock.Lock()
	defer self.attachLock.Unlock()

	self.stateLock.Lock()
	document := self.document
	key := self.key
	self.stateLock.Unlock()
	if document == nil {
		return newLogicError("not attached")
	}

	self.teardown()
	if err := document.Detach(ctx); err != nil {
		return &SyncError{Op: "detach", Key: key, Err: err}
	}
	glog.V(1).Infof("[sync]detached %s\n", key)
	return nil
}

func (self *TreeSynchronizer) Close() {
	if self.IsAttached() {
		self.Detach(self.ctx)
	}
	self.cancel()
}

// caller must hold the attach lock
func (self *TreeSynchronizer) teardown() {
	self.stateLock.Lock()
	unsubscribes := self.unsubscribes
	self.unsubscribes = nil
	self.document = nil
	self.key = ""
	self.stateLock.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
}

// writes the current local tree to the document unless it is already there
func (self *TreeSynchronizer) Propagate(ctx context.Context) error {
	revision := self.local.Revision()
	return self.propagate(ctx, self.local.Snapshot(), revision)
}

func (self *TreeSynchronizer) AddSyncErrorCallback(syncErrorCallback SyncErrorFunction) func() {
	callbackId := self.syncErrorCallbacks.Add(syncErrorCallback)
	return func() {
		self.syncErrorCallbacks.Remove(callbackId)
	}
}

func (self *TreeSynchronizer) AddPresenceCallback(presenceCallback PresenceFunction) func() {
	callbackId := self.presenceCallbacks.Add(presenceCallback)
	return func() {
		self.presenceCallbacks.Remove(callbackId)
	}
}

// the connected participants. Read only.
func (self *TreeSynchronizer) Presences() []docservice.PeerPresence {
	document := self.currentDocument()
	if document == nil {
		return []docservice.PeerPresence{}
	}
	return document.Presences()
}

// participant id to role, as recorded in the document
func (self *TreeSynchronizer) Users() map[string]Role {
	document := self.currentDocument()
	if document == nil {
		return map[string]Role{}
	}
	return Users(document.Fields())
}

func (self *TreeSynchronizer) currentDocument() docservice.Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.document
}

func (self *TreeSynchronizer) onDocumentEvent(event *docservice.Event) {
	switch event.Type {
	case docservice.EventRemoteChange:
		if err := self.absorb(); err != nil {
			self.notifySyncError(&SyncError{Op: "absorb", Key: self.Key(), Err: err})
		}
	case docservice.EventPresenceChange:
		presences := self.Presences()
		for _, presenceCallback := range self.presenceCallbacks.Get() {
			HandleError(func() {
				presenceCallback(presences)
			})
		}
	}
}

// replaces the local tree with the document tree
func (self *TreeSynchronizer) absorb() error {
	document := self.currentDocument()
	if document == nil {
		return nil
	}
	value, ok := document.Get(treeField)
	if !ok {
		traceFn(tagSync)("absorb %s has no tree\n", document.Key())
		return nil
	}
	nodes, err := DecodeTree(value)
	if err != nil {
		RecordTreeAbsorption(false)
		return err
	}
	if TreeEqual(self.local.Snapshot(), nodes) {
		traceFn(tagSync)("absorb %s unchanged\n", document.Key())
		return nil
	}
	revision, err := self.local.Replace(nodes, ChangeReasonRemote)
	if err != nil {
		RecordTreeAbsorption(false)
		return err
	}
	self.markApplied(revision)
	RecordTreeAbsorption(true)
	glog.V(1).Infof("[sync]absorb %s v%d -> r%d (%d nodes)\n", document.Key(), document.Version(), revision, len(nodes))
	return nil
}

func (self *TreeSynchronizer) markApplied(revision uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastAppliedRevision = revision
	self.hasApplied = true
}

func (self *TreeSynchronizer) onLocalChange(nodes []*TreeNode, revision uint64, reason ChangeReason) {
	if reason == ChangeReasonRemote {
		RecordTreePropagation("suppressed")
		return
	}
	updateCtx, updateCancel := context.WithTimeout(self.ctx, self.settings.UpdateTimeout)
	defer updateCancel()
	if err := self.propagate(updateCtx, nodes, revision); err != nil {
		self.notifySyncError(err)
	}
}

func (self *TreeSynchronizer) propagate(ctx context.Context, nodes []*TreeNode, revision uint64) error {
	self.stateLock.Lock()
	document := self.document
	suppress := self.hasApplied && self.lastAppliedRevision == revision
	self.stateLock.Unlock()

	if document == nil {
		return nil
	}
	if suppress {
		RecordTreePropagation("suppressed")
		traceFn(tagSync)("propagate r%d suppressed (already applied)\n", revision)
		return nil
	}

	localFingerprint, err := TreeFingerprint(nodes)
	if err != nil {
		RecordTreePropagation("failed")
		return &SyncError{Op: "update", Key: document.Key(), Err: err}
	}
	if 0 < document.Pending() {
		// the replica holds writes the service has not accepted, so its tree is not authoritative
		if err := document.Sync(ctx); err != nil {
			RecordTreePropagation("failed")
			return &SyncError{Op: "update", Key: document.Key(), Err: err}
		}
	}
	if value, ok := document.Get(treeField); ok {
		if documentNodes, err := DecodeTree(value); err == nil {
			if documentFingerprint, err := TreeFingerprint(documentNodes); err == nil && documentFingerprint == localFingerprint {
				RecordTreePropagation("suppressed")
				traceFn(tagSync)("propagate r%d suppressed (document has %s)\n", revision, localFingerprint)
				return nil
			}
		}
	}

	treeValue, err := EncodeTree(nodes)
	if err != nil {
		RecordTreePropagation("failed")
		return &SyncError{Op: "update", Key: document.Key(), Err: err}
	}
	err = document.Update(ctx, func(root *docservice.Root) error {
		return root.Set(treeField, treeValue)
	}, fmt.Sprintf("tree r%d", revision))
	if err != nil {
		RecordTreePropagation("failed")
		return &SyncError{Op: "update", Key: document.Key(), Err: err}
	}
	RecordTreePropagation("written")
	glog.V(1).Infof("[sync]propagate %s r%d %s (%d nodes)\n", document.Key(), revision, localFingerprint, len(nodes))
	return nil
}

func (self *TreeSynchronizer) notifySyncError(err error) {
	self.log("%s\n", err)
	for _, syncErrorCallback := range self.syncErrorCallbacks.Get() {
		HandleError(func() {
			syncErrorCallback(err)
		})
	}
}
