package version

// Version is the release version stamped into builds and the /health payload.
const Version = "0.3.0"
