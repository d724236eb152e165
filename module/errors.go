package module

import "github.com/llmos-bridge/llmos-bridge/errs"

// ErrActionNotFound reports that a module has no action with the given name.
func ErrActionNotFound(moduleID, action string) *errs.Error {
	return errs.New(errs.CodeActionNotFound, "module %q has no action %q", moduleID, action)
}

// ErrUnknownModule reports that no module with the given id is registered.
func ErrUnknownModule(moduleID string) *errs.Error {
	return errs.New(errs.CodeUnknownModule, "module %q is not registered", moduleID)
}

// ErrExecution wraps a module-reported execution failure.
func ErrExecution(moduleID, action string, cause error) *errs.Error {
	return errs.Retryable(errs.Wrap(errs.CodeActionExecution, cause,
		"module %q action %q failed", moduleID, action))
}

// ErrLoad wraps a module load-time failure, surfaced at startup.
func ErrLoad(moduleID string, cause error) *errs.Error {
	return errs.Wrap(errs.CodeModuleLoad, cause, "module %q failed to load", moduleID)
}
