package protocol

// MessageType tags a Message envelope
type MessageType string

// API passthrough
const (
	TypeAPIRequest  MessageType = "API_REQUEST"
	TypeAPIResponse MessageType = "API_RESPONSE"
)

// Storage
const (
	TypeStorageUpload   MessageType = "STORAGE_UPLOAD"
	TypeStorageDownload MessageType = "STORAGE_DOWNLOAD"
	TypeStorageDelete   MessageType = "STORAGE_DELETE"
	TypeStorageList     MessageType = "STORAGE_LIST"
	TypeStorageGetURL   MessageType = "STORAGE_GET_URL"
	TypeStorageResponse MessageType = "STORAGE_RESPONSE"
)

// Keyed data
const (
	TypeDBQuery    MessageType = "DB_QUERY"
	TypeDBInsert   MessageType = "DB_INSERT"
	TypeDBUpdate   MessageType = "DB_UPDATE"
	TypeDBDelete   MessageType = "DB_DELETE"
	TypeDBUpsert   MessageType = "DB_UPSERT"
	TypeDBResponse MessageType = "DB_RESPONSE"
)

// Settings
const (
	TypeSettingsGet      MessageType = "SETTINGS_GET"
	TypeSettingsSet      MessageType = "SETTINGS_SET"
	TypeSettingsResponse MessageType = "SETTINGS_RESPONSE"
)

// Secrets
const (
	TypeSecretGet      MessageType = "SECRET_GET"
	TypeSecretSet      MessageType = "SECRET_SET"
	TypeSecretDelete   MessageType = "SECRET_DELETE"
	TypeSecretResponse MessageType = "SECRET_RESPONSE"
)

// Events
const (
	TypeEventEmit        MessageType = "EVENT_EMIT"
	TypeEventSubscribe   MessageType = "EVENT_SUBSCRIBE"
	TypeEventUnsubscribe MessageType = "EVENT_UNSUBSCRIBE"
	TypeEventReceived    MessageType = "EVENT_RECEIVED"
)

// Host UI
const (
	TypeNavigate   MessageType = "NAVIGATE"
	TypeOpenModal  MessageType = "OPEN_MODAL"
	TypeCloseModal MessageType = "CLOSE_MODAL"
	TypeShowToast  MessageType = "SHOW_TOAST"
)

// Introspection and catch-all
const (
	TypeGetContext      MessageType = "GET_CONTEXT"
	TypeContextResponse MessageType = "CONTEXT_RESPONSE"
	TypeError           MessageType = "ERROR"
)

// Runtime control, exchanged between a session and its isolated context
const (
	TypeBridgeRequest   MessageType = "BRIDGE_REQUEST"
	TypeBridgeResponse  MessageType = "BRIDGE_RESPONSE"
	TypeModuleReady     MessageType = "MODULE_READY"
	TypeModuleError     MessageType = "MODULE_ERROR"
	TypeModuleResize    MessageType = "MODULE_RESIZE"
	TypeHeartbeat       MessageType = "HEARTBEAT"
	TypeHeartbeatAck    MessageType = "HEARTBEAT_ACK"
	TypeSettingsChanged MessageType = "SETTINGS_CHANGED"
	TypeThemeChanged    MessageType = "THEME_CHANGED"
)

// Group is the concern a message type belongs to
type Group string

const (
	GroupAPI      Group = "api"
	GroupStorage  Group = "storage"
	GroupDB       Group = "db"
	GroupSettings Group = "settings"
	GroupSecrets  Group = "secrets"
	GroupEvents   Group = "events"
	GroupUI       Group = "ui"
	GroupContext  Group = "context"
	GroupRuntime  Group = "runtime"
	GroupError    Group = "error"
)

type typeInfo struct {
	group    Group
	response MessageType
	request  bool
}

var registry = map[MessageType]typeInfo{
	TypeAPIRequest:  {GroupAPI, TypeAPIResponse, true},
	TypeAPIResponse: {GroupAPI, "", false},

	TypeStorageUpload:   {GroupStorage, TypeStorageResponse, true},
	TypeStorageDownload: {GroupStorage, TypeStorageResponse, true},
	TypeStorageDelete:   {GroupStorage, TypeStorageResponse, true},
	TypeStorageList:     {GroupStorage, TypeStorageResponse, true},
	TypeStorageGetURL:   {GroupStorage, TypeStorageResponse, true},
	TypeStorageResponse: {GroupStorage, "", false},

	TypeDBQuery:    {GroupDB, TypeDBResponse, true},
	TypeDBInsert:   {GroupDB, TypeDBResponse, true},
	TypeDBUpdate:   {GroupDB, TypeDBResponse, true},
	TypeDBDelete:   {GroupDB, TypeDBResponse, true},
	TypeDBUpsert:   {GroupDB, TypeDBResponse, true},
	TypeDBResponse: {GroupDB, "", false},

	TypeSettingsGet:      {GroupSettings, TypeSettingsResponse, true},
	TypeSettingsSet:      {GroupSettings, TypeSettingsResponse, true},
	TypeSettingsResponse: {GroupSettings, "", false},

	TypeSecretGet:      {GroupSecrets, TypeSecretResponse, true},
	TypeSecretSet:      {GroupSecrets, TypeSecretResponse, true},
	TypeSecretDelete:   {GroupSecrets, TypeSecretResponse, true},
	TypeSecretResponse: {GroupSecrets, "", false},

	// Event operations are acknowledged with EVENT_RECEIVED, the same tag
	// the host uses to deliver live events. Acknowledgments only ever travel
	// wrapped in a BRIDGE_RESPONSE; a top-level EVENT_RECEIVED is a delivery.
	TypeEventEmit:        {GroupEvents, TypeEventReceived, true},
	TypeEventSubscribe:   {GroupEvents, TypeEventReceived, true},
	TypeEventUnsubscribe: {GroupEvents, TypeEventReceived, true},
	TypeEventReceived:    {GroupEvents, "", false},

	TypeNavigate:   {GroupUI, TypeNavigate, true},
	TypeOpenModal:  {GroupUI, TypeOpenModal, true},
	TypeCloseModal: {GroupUI, TypeCloseModal, true},
	TypeShowToast:  {GroupUI, TypeShowToast, true},

	TypeGetContext:      {GroupContext, TypeContextResponse, true},
	TypeContextResponse: {GroupContext, "", false},

	TypeError: {GroupError, "", false},

	TypeBridgeRequest:   {GroupRuntime, TypeBridgeResponse, false},
	TypeBridgeResponse:  {GroupRuntime, "", false},
	TypeModuleReady:     {GroupRuntime, "", false},
	TypeModuleError:     {GroupRuntime, "", false},
	TypeModuleResize:    {GroupRuntime, "", false},
	TypeHeartbeat:       {GroupRuntime, TypeHeartbeatAck, false},
	TypeHeartbeatAck:    {GroupRuntime, "", false},
	TypeSettingsChanged: {GroupRuntime, "", false},
	TypeThemeChanged:    {GroupRuntime, "", false},
}

// Valid reports whether t is a member of the closed type set
func (t MessageType) Valid() bool {
	_, ok := registry[t]
	return ok
}

// Group returns the concern t belongs to, or "" for unknown types
func (t MessageType) Group() Group {
	return registry[t].group
}

// ResponseType returns the type used to answer a request of type t.
// Unknown and non-request types are answered with ERROR.
func (t MessageType) ResponseType() MessageType {
	if info, ok := registry[t]; ok && info.response != "" {
		return info.response
	}
	return TypeError
}

// IsBridgeOperation reports whether t is an operation the Bridge executes
func (t MessageType) IsBridgeOperation() bool {
	return registry[t].request
}

// BridgeOperations lists every type the Bridge must handle
func BridgeOperations() []MessageType {
	ops := make([]MessageType, 0, 32)
	for t, info := range registry {
		if info.request {
			ops = append(ops, t)
		}
	}
	return ops
}

func (t MessageType) String() string { return string(t) }
