package defs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrTError(t *testing.T) {
	require.Equal(t, "ok", OK.Error())
	require.Equal(t, "invalid argument", EINVAL.Error())
	require.Equal(t, "enclave is dead", EDEAD.Error())
	require.Contains(t, Err_t(-99).Error(), "-99")
}

func TestCommandString(t *testing.T) {
	require.Equal(t, "CREATE", CmdCreate.String())
	require.Equal(t, "ADD_PAGE", CmdAddPage.String())
	require.Equal(t, "INIT", CmdInit.String())
	require.Equal(t, "SET_ATTRIBUTE", CmdSetAttribute.String())
	require.Equal(t, "UNKNOWN", Command(99).String())
}
