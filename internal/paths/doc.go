// Provides platform-appropriate paths for libpack.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS. The program name "libpack" is used as the subdirectory under
// each base path. Directories are not created here; callers create them on
// first use.
package paths
