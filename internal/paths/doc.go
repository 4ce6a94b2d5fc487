// Resolves the filesystem locations used by cruxpy.
//
// Runtime files (the supervisor control socket, its PID file, and worker
// sockets) live under the XDG runtime directory. Pulled base image archives
// are cached under the XDG cache directory. The settings file is looked up
// in the working directory first and then in the XDG config directory.
package paths
