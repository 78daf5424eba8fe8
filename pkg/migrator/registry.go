package migrator

import (
	im "docmigrator/internal/migrator"
)

type (
	// Resolver gives script bodies and loaders access to the store.
	Resolver = im.Resolver
	// ScriptFunc is the body of a SCRIPT migration.
	ScriptFunc = im.ScriptFunc
	// DataLoader produces the working data of a migration.
	DataLoader = im.DataLoader
)

var goReg = im.NewRegistry()

// RegisterScript makes fn available to descriptor files as "script: name".
// Call it from init functions of the package holding the scripts.
func RegisterScript(name string, fn ScriptFunc) error {
	return goReg.RegisterScript(name, fn)
}

// RegisterLoader makes fn available to descriptor files as "loader: name".
func RegisterLoader(name string, fn DataLoader) error {
	return goReg.RegisterLoader(name, fn)
}
