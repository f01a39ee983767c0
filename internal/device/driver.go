package device

// Driver is the module-specific backend a Handle drives. Implementations
// wrap the AT command channel (radios, GNSS, MQTT-SN) or a protocol client
// (MQTT over paho).
//
// Connect may complete synchronously (done true) or asynchronously; in the
// asynchronous case the driver completes the outstanding connect request
// through the Handle it was bound to when the confirming notification
// arrives.
type Driver interface {
	// Bind hands the driver its owning handle for request completion.
	Bind(h *Handle)
	PowerOn() error
	PowerOff() error
	Open() error
	Connect() (done bool, err error)
	Disconnect() error
	Close() error
	// Request issues the asynchronous operation of the given kind.
	Request(kind string) error
	// Cancel frees whatever the named request holds on the channel. It is
	// only called after the request slot is already terminal.
	Cancel(kind string) error
}
