// Package device contains the core domain types shared by every layer of the
// microscope server: device and capability tags, trigger states, acquired
// frames, client identities and the typed error taxonomy returned to clients.
package device
