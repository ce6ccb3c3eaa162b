// Package protocol defines the exchange protocol spoken between field
// devices and the server: action identifiers, the CREATE/UPDATE envelope,
// request/reply shapes per action, and the frame used by the socket and
// rpc channels.
package protocol

// Action is a protocol identifier. The same names are used as REST paths,
// socket frame actions and rpc frame actions.
type Action string

const (
	ActionPing                   Action = "PING"
	ActionRetrieveProjets        Action = "RETRIEVE_PROJETS"
	ActionRetrieveProjetIndex    Action = "RETRIEVE_PROJET_INDEX"
	ActionRetrieveObjects        Action = "RETRIEVE_OBJECTS"
	ActionRetrieveObjectVersions Action = "RETRIEVE_OBJECT_VERSIONS"
	ActionSyncObject             Action = "SYNC_OBJECT"
	ActionJoinProjet             Action = "JOIN_PROJET"
	ActionProjetUpdateConfig     Action = "PROJET_UPDATE_CONFIG"
	ActionProjetDuplicate        Action = "PROJET_DUPLICATE"
	ActionDocumentUploadURL      Action = "DOCUMENT_UPLOAD_URL"
	ActionDocumentDownloadURL    Action = "DOCUMENT_DOWNLOAD_URL"

	// ActionProjetPush is only ever sent by the server, unsolicited, to
	// devices that joined a project.
	ActionProjetPush Action = "PROJET_PUSH"
)

var requestActions = map[Action]bool{
	ActionPing:                   true,
	ActionRetrieveProjets:        true,
	ActionRetrieveProjetIndex:    true,
	ActionRetrieveObjects:        true,
	ActionRetrieveObjectVersions: true,
	ActionSyncObject:             true,
	ActionJoinProjet:             true,
	ActionProjetUpdateConfig:     true,
	ActionProjetDuplicate:        true,
	ActionDocumentUploadURL:      true,
	ActionDocumentDownloadURL:    true,
}

// Valid reports whether a device may send a as a request.
func (a Action) Valid() bool {
	return requestActions[a]
}

// Write reports whether a changes server state.
func (a Action) Write() bool {
	switch a {
	case ActionSyncObject, ActionProjetUpdateConfig, ActionProjetDuplicate:
		return true
	default:
		return false
	}
}

// NeedsSession reports whether a only makes sense over a channel that can
// carry server pushes back to the caller.
func (a Action) NeedsSession() bool {
	return a == ActionJoinProjet
}
