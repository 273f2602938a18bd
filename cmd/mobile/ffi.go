// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libcartsync.so (Android) / cartsync.framework (iOS)
// with -buildmode=c-shared.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"

	"github.com/spf13/afero"
)

var lib bridge

//export Init
// Init opens the replica described by the TOML config at configPath and
// starts background sync. Returns 0 on success, -1 on error.
func Init(configPath *C.char) C.int {
	return status(lib.open(afero.NewOsFs(), C.GoString(configPath)))
}

//export Cleanup
// Cleanup stops background sync and closes the store.
func Cleanup() {
	lib.close()
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	return C.CString(lib.lastError())
}

//export SaveList
// SaveList creates or replaces a list from its JSON document.
// Returns the stored list as JSON, or NULL on error.
func SaveList(doc *C.char) *C.char {
	return result(lib.saveList(C.GoString(doc)))
}

//export DeleteList
// DeleteList removes a list. Returns 0 on success, -1 on error.
func DeleteList(id *C.char) C.int {
	return status(lib.deleteList(C.GoString(id)))
}

//export AddItemToList
// AddItemToList appends the JSON item to a list.
// Returns the stored item as JSON, or NULL on error.
func AddItemToList(listID, doc *C.char) *C.char {
	return result(lib.addItemToList(C.GoString(listID), C.GoString(doc)))
}

//export GetList
// GetList returns one list as JSON, or NULL on error.
func GetList(id *C.char) *C.char {
	return result(lib.getList(C.GoString(id)))
}

//export ListLists
// ListLists returns {"items": [...], "total": n}.
func ListLists() *C.char {
	return result(lib.lists())
}

//export IsOnline
// IsOnline returns 1 when the sync service is reachable.
func IsOnline() C.int {
	if lib.isOnline() {
		return 1
	}
	return 0
}

//export SyncWithServer
// SyncWithServer runs one sync and returns the outcome as JSON.
func SyncWithServer() *C.char {
	return result(lib.syncWithServer())
}

//export FreeString
// FreeString frees a string allocated by Go.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func status(err error) C.int {
	lib.setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

func result(s string, err error) *C.char {
	lib.setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(s)
}

func main() {
	// Not used when loaded as library
}
