// Package devices provides the device classes built into the server binary.
package devices

import (
	"errors"

	pkgerrors "github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/server"
)

// Version is reported for every built-in class.
const Version = "1.0.0"

// Register admits the built-in classes:
//   - DataGenerator (streams records on an output channel)
//   - DataSink (consumes an input channel)
func Register(registry *server.Registry) error {
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"Devices", "Register", "registry validation")
	}

	if err := registry.Register(DataGenerator()); err != nil {
		return pkgerrors.WrapInvalid(err, "Devices", "Register", "DataGenerator registration")
	}
	if err := registry.Register(DataSink()); err != nil {
		return pkgerrors.WrapInvalid(err, "Devices", "Register", "DataSink registration")
	}
	return nil
}
