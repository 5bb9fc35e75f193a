// Package config loads spec trees and service configuration.
//
// # Spec files
//
// Spec trees are declared in YAML, JSON or CUE files. Each file holds a
// top-level specs field:
//
//	specs:
//	  - id: EOD
//	    attributes:
//	      - name: cobDate
//	        argument: true
//	    subTasks:
//	      - id: LOAD
//	        requires: [E1]
//	        route: ETL_SERVICE
//
// In CUE, specs may also be a struct keyed by spec id. SpecLoader parses
// files and directories and reports problems as ValidationErrors carrying the
// file, position and document path. A root id defined in two files is an
// error.
//
// SpecWatcher reloads the files into an engine.SpecRepository when they
// change. A reload with any invalid file leaves the repository untouched.
//
// # Service configuration
//
// LoadAppConfig merges, in increasing precedence, DefaultAppConfig, a YAML
// file, TASKORCH_* environment variables and command line flags registered
// with BindFlags.
package config
