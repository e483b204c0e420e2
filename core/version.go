package core

// Version is the agent version reported in the User-Agent and
// X-Agent-Version headers and in status heartbeats.
const Version = "0.1.0"
